package raft

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	pb "github.com/tdsync/raft/raftpb"
)

// recordingTransport just queues outbound messages; a test driver pops
// them and delivers them to the right Node outside of any Node's own
// lock, avoiding the two-node call-stack deadlock a synchronous
// call-straight-through transport would risk.
type recordingTransport struct {
	outbox []pb.Message
}

func (t *recordingTransport) Send(msgs []pb.Message) { t.outbox = append(t.outbox, msgs...) }

type nodeCluster struct {
	nodes      map[pb.NodeId]*Node
	transports map[pb.NodeId]*recordingTransport
	fsms       map[pb.NodeId]*testFSM
	order      []pb.NodeId
}

func newNodeCluster(ids ...pb.NodeId) *nodeCluster {
	c := &nodeCluster{
		nodes:      make(map[pb.NodeId]*Node, len(ids)),
		transports: make(map[pb.NodeId]*recordingTransport, len(ids)),
		fsms:       make(map[pb.NodeId]*testFSM, len(ids)),
		order:      ids,
	}
	for _, id := range ids {
		cfg := testConfig(id, ids)
		tr := &recordingTransport{}
		fsm := newTestFSM()
		n := StartNode(cfg, newMemTestStore(), newMemTestStateManager(), fsm, tr)
		c.nodes[id] = n
		c.transports[id] = tr
		c.fsms[id] = fsm
	}
	return c
}

// drain delivers every queued outbound message across the whole cluster
// until nothing is left, bounded by a step cap as a runaway-loop guard.
func (c *nodeCluster) drain() {
	for steps := 0; steps < 1000; steps++ {
		moved := false
		for _, id := range c.order {
			tr := c.transports[id]
			if len(tr.outbox) == 0 {
				continue
			}
			msgs := tr.outbox
			tr.outbox = nil
			for _, m := range msgs {
				if dst, ok := c.nodes[m.To]; ok {
					_ = dst.Step(context.Background(), m)
				}
			}
			moved = true
		}
		if !moved {
			return
		}
	}
}

func (c *nodeCluster) electLeader(t *testing.T) pb.NodeId {
	first := c.order[0]
	require.NoError(t, c.nodes[first].Campaign())
	c.drain()
	for _, id := range c.order {
		if c.nodes[id].Status().State == StateLeader {
			return id
		}
	}
	return 0
}

func TestNodeElectsLeader(t *testing.T) {
	c := newNodeCluster(1, 2, 3)
	leader := c.electLeader(t)
	require.NotZero(t, leader)

	leaders := 0
	for _, id := range c.order {
		if c.nodes[id].Status().State == StateLeader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestNodeProposeReplicatesAndApplies(t *testing.T) {
	c := newNodeCluster(1, 2, 3)
	leader := c.electLeader(t)

	require.NoError(t, c.nodes[leader].Propose(context.Background(), []byte("hello"), 0, false))
	c.drain()

	for _, id := range c.order {
		applied := c.fsms[id].Applied()
		require.NotEmpty(t, applied, "node %d should have applied the proposal", id)
		require.Equal(t, []byte("hello"), applied[len(applied)-1])
	}
}

func TestNodeProposeFailsWhenNotLeader(t *testing.T) {
	c := newNodeCluster(1, 2, 3)
	leader := c.electLeader(t)
	var follower pb.NodeId
	for _, id := range c.order {
		if id != leader {
			follower = id
			break
		}
	}
	err := c.nodes[follower].Propose(context.Background(), []byte("x"), 0, false)
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestNodeConfChangeAddsLearnerAndNotifiesFSM(t *testing.T) {
	c := newNodeCluster(1, 2, 3)
	leader := c.electLeader(t)

	cc := pb.ConfChange{Changes: []pb.ConfChangeSingle{{Type: pb.ConfChangeAddLearnerNode, NodeId: 4}}}
	require.NoError(t, c.nodes[leader].ProposeConfChange(cc))
	c.drain()

	st := c.nodes[leader].Status()
	require.GreaterOrEqual(t, st.Applied, pb.Index(1))
	require.NotEmpty(t, c.fsms[leader].confs)
}

func TestNodeTransferLeadership(t *testing.T) {
	c := newNodeCluster(1, 2, 3)
	leader := c.electLeader(t)
	var target pb.NodeId
	for _, id := range c.order {
		if id != leader {
			target = id
			break
		}
	}

	c.nodes[leader].TransferLeadership(target)
	c.drain()

	require.Equal(t, StateLeader, c.nodes[target].Status().State)
}

func TestNodeStopRejectsFurtherCalls(t *testing.T) {
	c := newNodeCluster(1, 2, 3)
	leader := c.electLeader(t)
	c.nodes[leader].Stop()

	err := c.nodes[leader].Propose(context.Background(), []byte("x"), 0, false)
	require.ErrorIs(t, err, ErrStopped)
}
