package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	pb "github.com/tdsync/raft/raftpb"
)

// testNetwork routes messages between a fixed set of rafts synchronously:
// deliver drains every node's outbound queue, feeds each message to its
// recipient, and repeats until nothing is left to deliver (or a step cap
// is hit, as a runaway-loop guard for buggy tests).
type testNetwork struct {
	nodes map[pb.NodeId]*raft
}

func newTestNetwork(ids ...pb.NodeId) *testNetwork {
	n := &testNetwork{nodes: make(map[pb.NodeId]*raft, len(ids))}
	for _, id := range ids {
		n.nodes[id] = newTestRaft(id, ids)
	}
	return n
}

func (n *testNetwork) send(initial ...pb.Message) {
	queue := initial
	for steps := 0; len(queue) > 0 && steps < 1000; steps++ {
		m := queue[0]
		queue = queue[1:]
		dst, ok := n.nodes[m.To]
		if !ok {
			continue
		}
		_ = dst.Step(m)
		queue = append(queue, readMessages(dst)...)
	}
}

func (n *testNetwork) tickAll() {
	for _, r := range n.nodes {
		r.tick()
		n.send(readMessages(r)...)
	}
}

func TestSingleNodeCampaignBecomesLeaderImmediately(t *testing.T) {
	r := newTestRaft(1, []pb.NodeId{1})
	require.NoError(t, r.Step(pb.Message{From: 1, Type: pb.MsgHup}))
	require.Equal(t, StateLeader, r.state)
}

func TestThreeNodeElectionPicksExactlyOneLeader(t *testing.T) {
	net := newTestNetwork(1, 2, 3)
	r1 := net.nodes[1]
	require.NoError(t, r1.Step(pb.Message{From: 1, Type: pb.MsgHup}))
	net.send(readMessages(r1)...)

	leaders := 0
	var leaderTerm pb.Term
	for _, r := range net.nodes {
		if r.state == StateLeader {
			leaders++
			leaderTerm = r.term
		}
	}
	require.Equal(t, 1, leaders)

	for _, r := range net.nodes {
		require.Equal(t, leaderTerm, r.term, "every node should have converged on the leader's term")
	}
}

func TestPreVoteDoesNotAdvanceTermOnLoss(t *testing.T) {
	// r1 is partitioned (never hears responses); its pre-vote round trip
	// must not bump its real term, so a reconnect doesn't disrupt a
	// legitimate leader with a pointless higher-term election.
	r1 := newTestRaft(1, []pb.NodeId{1, 2, 3})
	startTerm := r1.term
	require.NoError(t, r1.Step(pb.Message{From: 1, Type: pb.MsgHup}))
	require.Equal(t, StatePreCandidate, r1.state)
	require.Equal(t, startTerm, r1.term)
}

func TestCandidateStepsDownOnHigherTermAppend(t *testing.T) {
	r1 := newTestRaft(1, []pb.NodeId{1, 2, 3})
	r1.becomeCandidate()
	require.Equal(t, StateCandidate, r1.state)

	require.NoError(t, r1.Step(pb.Message{From: 2, Type: pb.MsgAppend, Term: r1.term + 1, Index: 0, LogTerm: 0}))
	require.Equal(t, StateFollower, r1.state)
	require.Equal(t, pb.NodeId(2), r1.leaderId)
}

func TestHandleAppendRejectsOnLogMismatch(t *testing.T) {
	r := newTestRaft(1, []pb.NodeId{1, 2})
	r.becomeFollower(5, 2)
	_, err := r.log.append(mkEntries(1, 3, 3)) // local log: entries at term 3
	require.NoError(t, err)

	require.NoError(t, r.Step(pb.Message{From: 2, Type: pb.MsgAppend, Term: 5, Index: 2, LogTerm: 4}))
	msgs := readMessages(r)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Reject)
	require.Equal(t, pb.Index(2), msgs[0].RejectHint)
}

func TestHandleAppendAcceptsAndAdvancesCommit(t *testing.T) {
	r := newTestRaft(1, []pb.NodeId{1, 2})
	r.becomeFollower(1, 2)

	ents := []*pb.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1}}
	require.NoError(t, r.Step(pb.Message{From: 2, Type: pb.MsgAppend, Term: 1, Index: 0, LogTerm: 0, Entries: ents, Commit: 2}))

	msgs := readMessages(r)
	require.Len(t, msgs, 1)
	require.False(t, msgs[0].Reject)
	require.Equal(t, pb.Index(2), msgs[0].Index)
	require.Equal(t, pb.Index(2), r.log.commitIndex)
}

func TestLeaderAppendOnlyGrowsFromLastIndex(t *testing.T) {
	r := newTestRaft(1, []pb.NodeId{1})
	require.NoError(t, r.Step(pb.Message{From: 1, Type: pb.MsgHup}))
	require.Equal(t, StateLeader, r.state)

	before := r.log.lastIndex()
	require.NoError(t, r.appendEntry(pb.Entry{Type: pb.EntryNormal, Data: []byte("x")}))
	require.Equal(t, before+1, r.log.lastIndex())
}

func TestCheckQuorumStepsDownWithoutMajorityContact(t *testing.T) {
	net := newTestNetwork(1, 2, 3)
	r1 := net.nodes[1]
	require.NoError(t, r1.Step(pb.Message{From: 1, Type: pb.MsgHup}))
	net.send(readMessages(r1)...)
	require.Equal(t, StateLeader, r1.state)

	// Simulate r1 losing contact with both followers: never deliver its
	// outbound heartbeats, just tick it past the election timeout.
	for i := 0; i < r1.electionTimeout+r1.randomizedElectionTimeout+1; i++ {
		r1.tick()
		r1.msgs = nil // drop outbound, nobody answers
	}
	require.Equal(t, StateFollower, r1.state)
}

func TestLeadershipTransferSendsTimeoutNowOnceCaughtUp(t *testing.T) {
	net := newTestNetwork(1, 2, 3)
	r1 := net.nodes[1]
	require.NoError(t, r1.Step(pb.Message{From: 1, Type: pb.MsgHup}))
	net.send(readMessages(r1)...)
	require.Equal(t, StateLeader, r1.state)

	require.NoError(t, r1.Step(pb.Message{Type: pb.MsgTransferLeader, From: 2}))
	net.send(readMessages(r1)...)

	require.Equal(t, StateLeader, net.nodes[2].state)
}

func TestConfChangeAddVoterIsReflectedInTracker(t *testing.T) {
	r := newTestRaft(1, []pb.NodeId{1})
	require.NoError(t, r.Step(pb.Message{From: 1, Type: pb.MsgHup}))
	require.Equal(t, StateLeader, r.state)

	cs := r.applyConfChange(pb.ConfChange{Changes: []pb.ConfChangeSingle{{Type: pb.ConfChangeAddNode, NodeId: 2}}})
	require.Contains(t, cs.Voters, pb.NodeId(2))
	require.True(t, r.tracker.isVoter(2))
}

func TestOnlyOneConfChangeMayBePendingAtATime(t *testing.T) {
	r := newTestRaft(1, []pb.NodeId{1, 2, 3})
	r.becomeCandidate()
	r.becomeLeader()

	cc1, err := (&pb.ConfChange{Changes: []pb.ConfChangeSingle{{Type: pb.ConfChangeAddNode, NodeId: 4}}}).Marshal()
	require.NoError(t, err)
	require.NoError(t, r.Step(pb.Message{Type: pb.MsgPropose, From: 1, Entries: []*pb.Entry{{Type: pb.EntryConfChange, Data: cc1}}}))

	before := r.log.lastIndex()
	cc2, err := (&pb.ConfChange{Changes: []pb.ConfChangeSingle{{Type: pb.ConfChangeAddNode, NodeId: 5}}}).Marshal()
	require.NoError(t, err)
	require.NoError(t, r.Step(pb.Message{Type: pb.MsgPropose, From: 1, Entries: []*pb.Entry{{Type: pb.EntryConfChange, Data: cc2}}}))

	// The second conf change is appended as a no-op EntryNormal, not a
	// second pending EntryConfChange.
	require.Equal(t, before+1, r.log.lastIndex())
	ents, err := r.log.slice(before+1, before+2, noLimit)
	require.NoError(t, err)
	require.Equal(t, pb.EntryNormal, ents[0].Type)
}

func TestProposalDroppedWhenNoLeaderKnown(t *testing.T) {
	r := newTestRaft(1, []pb.NodeId{1, 2, 3})
	err := r.Step(pb.Message{Type: pb.MsgPropose, From: 1, Entries: []*pb.Entry{{Data: []byte("x")}}})
	require.ErrorIs(t, err, ErrProposalDropped)
}
