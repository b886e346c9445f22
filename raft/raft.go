package raft

import (
	"errors"

	pb "github.com/tdsync/raft/raftpb"
)

// StateType is the role a node currently plays.
type StateType int

const (
	StateFollower StateType = iota
	StatePreCandidate
	StateCandidate
	StateLeader
)

func (s StateType) String() string {
	switch s {
	case StateFollower:
		return "StateFollower"
	case StatePreCandidate:
		return "StatePreCandidate"
	case StateCandidate:
		return "StateCandidate"
	case StateLeader:
		return "StateLeader"
	default:
		return "StateUnknown"
	}
}

// Config carries the tuning knobs for one raft group. See the config
// package for loading these from a TOML file.
type Config struct {
	ID      pb.NodeId
	GroupID pb.GroupId

	ElectionTick  int
	HeartbeatTick int

	// MaxSizePerMsg, times four, caps how many bytes of committed entries
	// the log returns per apply batch; a single Append is capped by the
	// fixed maxInflightBytes, not by this field. MaxInflightMsgs caps how
	// many un-acked Appends a
	// Replicate-state peer may have outstanding at once.
	MaxSizePerMsg   uint64
	MaxInflightMsgs int

	PreVote     bool
	CheckQuorum bool

	Peers    []pb.NodeId
	Learners []pb.NodeId

	Logger Logger

	// Rand overrides the election-timeout random source; nil uses the
	// process-wide generator. Tests use this to pin timeouts.
	Rand randSource
}

func (c *Config) validate() error {
	if c.ID == pb.None {
		return errors.New("raft: cannot use None as node id")
	}
	if c.HeartbeatTick <= 0 {
		return errors.New("raft: heartbeat tick must be greater than 0")
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return errors.New("raft: election tick must be greater than heartbeat tick")
	}
	if c.MaxInflightMsgs <= 0 {
		c.MaxInflightMsgs = 256
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = NewLogger(int32(c.GroupID), int32(c.ID))
	}
	return nil
}

// candidateState tracks bookkeeping specific to an in-progress election.
type candidateState struct {
	inPreVote bool
}

// raft is the role state machine: the single-threaded core that a node
// (node.go) drives with step/tick/propose calls.
type raft struct {
	selfGroupId pb.GroupId
	selfId      pb.NodeId

	state StateType

	term   pb.Term
	voteFor pb.NodeId
	leaderId pb.NodeId

	log     *raftLog
	tracker *progressTracker

	isLearner bool

	currentTick      int
	electionElapsed  int
	heartbeatElapsed int

	electionTimeout           int
	heartbeatTimeout          int
	randomizedElectionTimeout int

	checkQuorum bool
	preVote     bool

	leadTransferee   pb.NodeId
	pendingConfIndex pb.Index

	candidate candidateState

	msgs []pb.Message

	stepFp func(r *raft, m pb.Message) error
	tickFp func()

	rand randSource

	logger Logger
}

func newRaft(c *Config, store LogStore, stateMgr StateManager) *raft {
	if err := c.validate(); err != nil {
		c.Logger.Panicf("invalid config: %v", err)
	}

	r := &raft{
		selfGroupId:      c.GroupID,
		selfId:           c.ID,
		log:              newRaftLog(store, c.Logger, c.MaxSizePerMsg*4),
		tracker:          newProgressTracker(c.MaxInflightMsgs),
		electionTimeout:  c.ElectionTick,
		heartbeatTimeout: c.HeartbeatTick,
		checkQuorum:      c.CheckQuorum,
		preVote:          c.PreVote,
		rand:             c.Rand,
		logger:           c.Logger,
		leadTransferee:   pb.None,
	}
	if r.rand == nil {
		r.rand = globalRand
	}

	cs, err := stateMgr.ReadClusterState()
	if err != nil {
		r.logger.Panicf("read cluster state: %v", err)
	}
	if len(cs.Voters) == 0 && len(c.Peers) > 0 {
		cs.Voters = c.Peers
		cs.Learners = c.Learners
	}

	cfg, prs, err := restoreConfig(r.tracker, cs, r.log.lastIndex())
	if err != nil {
		r.logger.Panicf("restore cluster state: %v", err)
	}
	r.tracker.config = cfg
	r.tracker.progress = prs

	ss, err := stateMgr.ReadServerState()
	if err != nil {
		r.logger.Panicf("read server state: %v", err)
	}
	if !ss.IsEmpty() {
		r.loadState(ss)
	}

	r.becomeFollower(r.term, pb.None)
	r.logger.Infof("newRaft %d [peers: %v, term: %d, commit: %d, lastindex: %d, lastterm: %d]",
		r.selfId, r.tracker.config.voters.incoming.slice(), r.term, r.log.commitIndex, r.log.lastIndex(), r.log.lastTerm())
	return r
}

func (r *raft) loadState(ss pb.ServerState) {
	if ss.Commit < r.log.commitIndex || ss.Commit > r.log.lastIndex() {
		r.logger.Panicf("server state commit %d is out of range [%d, %d]", ss.Commit, r.log.commitIndex, r.log.lastIndex())
	}
	r.log.commitIndex = ss.Commit
	r.term = ss.Term
	r.voteFor = ss.Vote
}

func (r *raft) hardState() pb.ServerState {
	return pb.ServerState{Term: r.term, Vote: r.voteFor, Commit: r.log.commitIndex}
}

func (r *raft) quorum() int { return len(r.tracker.config.voters.incoming)/2 + 1 }

func (r *raft) nodes() []pb.NodeId { return r.tracker.votersUnion().slice() }

// send appends a message to the outbound queue and fills in From/Term per
// the rules in the teacher's raft.go: vote-related messages always carry
// an explicit term (the term being campaigned for), everything else
// inherits the current term except local-only Propose messages.
func (r *raft) send(m pb.Message) {
	m.From = r.selfId
	m.GroupId = r.selfGroupId
	switch m.Type {
	case pb.MsgRequestVote, pb.MsgRequestVoteResponse, pb.MsgRequestPreVote, pb.MsgRequestPreVoteResponse:
		if m.Term == 0 {
			r.logger.Panicf("term should be set when sending %v", m.Type)
		}
	default:
		if m.Type != pb.MsgPropose {
			m.Term = r.term
		}
	}
	r.msgs = append(r.msgs, m)
}

func (r *raft) getProgress(id pb.NodeId) *Progress { return r.tracker.progress[id] }

// sendAppend sends an Append (or a Snapshot, if the peer's Next precedes
// what the log still retains) to one peer.
func (r *raft) sendAppend(to pb.NodeId) { r.maybeSendAppend(to, true) }

func (r *raft) maybeSendAppend(to pb.NodeId, sendIfEmpty bool) bool {
	pr := r.getProgress(to)
	if pr == nil || pr.isPaused() {
		return false
	}

	term, errt := r.log.term(pr.Next - 1)
	ents, erre := r.log.slice(pr.Next, r.log.lastIndex()+1, maxInflightBytes)

	if errt != nil || erre != nil {
		return r.sendSnapshot(to, pr)
	}

	if len(ents) == 0 && !sendIfEmpty {
		return false
	}

	m := pb.Message{
		Type:     pb.MsgAppend,
		To:       to,
		Index:    pr.Next - 1,
		LogTerm:  term,
		Commit:   r.log.commitIndex,
		Entries:  toEntryPointers(ents),
	}
	if n := len(ents); n > 0 {
		switch pr.State {
		case ProgressStateReplicate:
			last := ents[n-1].Index
			pr.optimisticUpdate(last)
			pr.inflights.add(last)
		case ProgressStateProbe:
			pr.Paused = true
		}
	}
	r.send(m)
	return true
}

const maxInflightBytes = 1 << 20

func toEntryPointers(ents []pb.Entry) []*pb.Entry {
	if len(ents) == 0 {
		return nil
	}
	out := make([]*pb.Entry, len(ents))
	for i := range ents {
		e := ents[i]
		out[i] = &e
	}
	return out
}

func (r *raft) sendSnapshot(to pb.NodeId, pr *Progress) bool {
	snap, ok := r.log.snapshot()
	if !ok || snap.IsEmpty() {
		r.logger.Debugf("%d failed to send snapshot to %d because snapshot is temporarily unavailable", r.selfId, to)
		return false
	}
	cs := r.tracker.config.toConfState()
	snap.Metadata.ConfState = cs
	r.logger.Debugf("%d [firstindex: %d, commit: %d] sent snapshot[index: %d, term: %d] to %d",
		r.selfId, r.log.firstIndex(), r.log.commitIndex, snap.Metadata.Index, snap.Metadata.Term, to)
	pr.becomeSnapshot(snap.Metadata.Index)
	r.send(pb.Message{Type: pb.MsgSnapshot, To: to, Snapshot: &snap})
	return true
}

// sendHeartbeat sends a Heartbeat carrying min(pr.Match, commit) so the
// leader never claims a follower has committed something it hasn't seen.
func (r *raft) sendHeartbeat(to pb.NodeId, ctx []byte) {
	pr := r.getProgress(to)
	commit := r.log.commitIndex
	if pr != nil {
		commit = minIdx(pr.Match, r.log.commitIndex)
	}
	r.send(pb.Message{Type: pb.MsgHeartbeat, To: to, Commit: commit, Context: ctx})
}

func (r *raft) bcastAppend() {
	r.tracker.visit(func(id pb.NodeId, _ *Progress) {
		if id == r.selfId {
			return
		}
		r.sendAppend(id)
	})
}

func (r *raft) bcastHeartbeat() {
	r.tracker.visit(func(id pb.NodeId, _ *Progress) {
		if id == r.selfId {
			return
		}
		r.sendHeartbeat(id, nil)
	})
}

// maybeCommit recomputes the tracker's quorum index and, if it advanced,
// applies the leader-completeness guard before accepting it.
func (r *raft) maybeCommit() bool {
	return r.log.maybeCommit(r.tracker.committed(), r.term)
}

// reset re-initializes per-term/per-role bookkeeping: election counters,
// the randomized timeout, any in-flight leadership transfer, the ballot
// box, and every peer's Progress (matching the local log's last index).
func (r *raft) reset(term pb.Term) {
	if r.term != term {
		r.term = term
		r.voteFor = pb.None
	}
	r.leaderId = pb.None

	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.resetRandomizedElectionTimeout()

	r.abortLeaderTransfer()

	r.tracker.resetVotes()
	r.tracker.visit(func(id pb.NodeId, pr *Progress) {
		isLearner := pr.IsLearner
		*pr = Progress{Next: r.log.lastIndex() + 1, IsLearner: isLearner, inflights: newInflights(r.tracker.maxInflight)}
		if id == r.selfId {
			pr.Match = r.log.lastIndex()
		}
	})

	r.pendingConfIndex = 0
}

func (r *raft) resetRandomizedElectionTimeout() {
	r.randomizedElectionTimeout = r.electionTimeout + r.rand.Intn(r.electionTimeout)
}

func (r *raft) abortLeaderTransfer() { r.leadTransferee = pb.None }

func (r *raft) promotable() bool {
	pr := r.getProgress(r.selfId)
	return pr != nil && !pr.IsLearner && !r.isPendingConfigRemoval()
}

func (r *raft) isPendingConfigRemoval() bool {
	_, ok := r.tracker.progress[r.selfId]
	return !ok
}

// appendEntry assigns term/index to freshly proposed entries, appends them
// through the log facade, updates the leader's own Progress, and
// recomputes commit. Leader append-only: indices only ever grow from
// lastIndex()+1.
func (r *raft) appendEntry(es ...pb.Entry) error {
	li := r.log.lastIndex()
	for i := range es {
		es[i].Term = r.term
		es[i].Index = li + 1 + pb.Index(i)
	}
	newLast, err := r.log.append(es)
	if err != nil {
		return err
	}
	r.getProgress(r.selfId).maybeUpdate(newLast)
	r.maybeCommit()
	return nil
}

func (r *raft) tick() {
	r.currentTick++
	if r.tickFp != nil {
		r.tickFp()
	}
}

func (r *raft) tickElection() {
	r.electionElapsed++
	if r.promotable() && r.pastElectionTimeout() {
		r.electionElapsed = 0
		r.Step(pb.Message{From: r.selfId, Type: pb.MsgHup})
	}
}

func (r *raft) tickHeartbeat() {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.electionTimeout {
		r.electionElapsed = 0
		if r.checkQuorum {
			r.Step(pb.Message{From: r.selfId, Type: pb.MsgHup, Context: checkQuorumContext})
		}
		if r.state == StateLeader && r.leadTransferee != pb.None {
			r.abortLeaderTransfer()
		}
	}

	if r.state != StateLeader {
		return
	}
	if r.heartbeatElapsed >= r.heartbeatTimeout {
		r.heartbeatElapsed = 0
		r.Step(pb.Message{From: r.selfId, Type: pb.MsgBeat})
	}
}

var checkQuorumContext = []byte("checkQuorum")

func (r *raft) pastElectionTimeout() bool {
	return r.electionElapsed >= r.randomizedElectionTimeout
}

func (r *raft) becomeFollower(term pb.Term, lead pb.NodeId) {
	r.stepFp = stepFollower
	r.reset(term)
	r.tickFp = r.tickElection
	r.leaderId = lead
	r.state = StateFollower
	r.candidate.inPreVote = false
	r.logger.Infof("%d became follower at term %d", r.selfId, r.term)
}

func (r *raft) becomePreCandidate() {
	if r.state == StateLeader {
		r.logger.Panicf("invalid transition [leader -> pre-candidate]")
	}
	// Pre-candidates don't reset term/votes the way a real candidacy
	// does: no persisted state changes, so a lost pre-vote costs
	// nothing.
	r.stepFp = stepCandidate
	r.tracker.resetVotes()
	r.leaderId = pb.None
	r.state = StatePreCandidate
	r.candidate.inPreVote = true
	r.tickFp = r.tickElection
	r.logger.Infof("%d became pre-candidate at term %d", r.selfId, r.term)
}

func (r *raft) becomeCandidate() {
	if r.state == StateLeader {
		r.logger.Panicf("invalid transition [leader -> candidate]")
	}
	r.stepFp = stepCandidate
	r.reset(r.term + 1)
	r.tickFp = r.tickElection
	r.voteFor = r.selfId
	r.state = StateCandidate
	r.candidate.inPreVote = false
	r.logger.Infof("%d became candidate at term %d", r.selfId, r.term)
}

func (r *raft) becomeLeader() {
	if r.state == StateFollower {
		r.logger.Panicf("invalid transition [follower -> leader]")
	}
	r.stepFp = stepLeader
	r.reset(r.term)
	r.tickFp = r.tickHeartbeat
	r.leaderId = r.selfId
	r.state = StateLeader
	r.candidate.inPreVote = false

	r.pendingConfIndex = r.log.lastIndex()
	if err := r.appendEntry(pb.Entry{Type: pb.EntryNormal, Data: nil}); err != nil {
		r.logger.Panicf("%d empty entry on leadership change: %v", r.selfId, err)
	}
	r.logger.Infof("%d became leader at term %d", r.selfId, r.term)
}

// campaign runs an election or pre-election: sends Vote requests to every
// voter in both config halves, records its own ballot, and transitions
// immediately if that single ballot already wins (the single-node-cluster
// case, which needs no network round-trip at all).
func (r *raft) campaign(t pb.CampaignType) {
	var term pb.Term
	var voteMsg pb.MessageType
	if t == pb.CampaignPreElection {
		r.becomePreCandidate()
		voteMsg = pb.MsgRequestPreVote
		term = r.term + 1
	} else {
		r.becomeCandidate()
		voteMsg = pb.MsgRequestVote
		term = r.term
	}

	if r.poll(r.selfId, voteRespType(voteMsg), true) == VoteWon {
		if t == pb.CampaignPreElection {
			r.campaign(pb.CampaignElection)
		} else {
			r.becomeLeader()
		}
		return
	}

	ids := r.tracker.votersUnion().slice()
	for _, id := range ids {
		if id == r.selfId {
			continue
		}
		r.logger.Infof("%d [logterm: %d, index: %d] sent %v request to %d at term %d",
			r.selfId, r.log.lastTerm(), r.log.lastIndex(), voteMsg, id, term)
		ctx := []byte(nil)
		if t == pb.CampaignTransfer {
			ctx = []byte("transfer")
		}
		r.send(pb.Message{Term: term, To: id, Type: voteMsg, Index: r.log.lastIndex(), LogTerm: r.log.lastTerm(), CampaignType: t, Context: ctx})
	}
}

func voteRespType(t pb.MessageType) pb.MessageType {
	if t == pb.MsgRequestPreVote {
		return pb.MsgRequestPreVoteResponse
	}
	return pb.MsgRequestVoteResponse
}

func (r *raft) poll(id pb.NodeId, t pb.MessageType, granted bool) VoteResult {
	if granted {
		r.logger.Infof("%d received %v from %d at term %d", r.selfId, t, id, r.term)
	} else {
		r.logger.Infof("%d received %v rejection from %d at term %d", r.selfId, t, id, r.term)
	}
	r.tracker.recordVote(id, granted)
	return r.tracker.voteResult(r.tracker.votes)
}

// Step is the single entry point for every inbound message: the term
// pre-handler runs first (§4.6), then local-only messages (Hup) and Vote
// messages are special-cased, everything else goes to the role-specific
// stepFp.
func (r *raft) Step(m pb.Message) error {
	if stop := r.preHandle(m); stop {
		return nil
	}

	switch m.Type {
	case pb.MsgHup:
		r.handleHup(m)
		return nil
	case pb.MsgRequestVote, pb.MsgRequestPreVote:
		return r.handleVote(m)
	default:
		return r.stepFp(r, m)
	}
}

func (r *raft) handleHup(m pb.Message) {
	if r.state == StateLeader {
		if isCheckQuorumTick(m) {
			r.checkQuorumTick()
		} else {
			r.logger.Debugf("%d ignoring MsgHup because already leader", r.selfId)
		}
		return
	}
	if !r.promotable() {
		r.logger.Warningf("%d is unpromotable and can not campaign", r.selfId)
		return
	}
	ents := r.log.unappliedEntries()
	if n := numPendingConf(ents); n != 0 && r.log.commitIndex > r.log.appliedIndex {
		r.logger.Warningf("%d cannot campaign at term %d since there are still %d pending configuration changes to apply", r.selfId, r.term, n)
		return
	}
	r.logger.Infof("%d is starting a new election at term %d", r.selfId, r.term)
	if r.preVote {
		r.campaign(pb.CampaignPreElection)
	} else {
		r.campaign(pb.CampaignElection)
	}
}

func isCheckQuorumTick(m pb.Message) bool {
	return len(m.Context) == len(checkQuorumContext) && string(m.Context) == string(checkQuorumContext)
}

// checkQuorumTick is the leader-side half of checkQuorum: step down if
// fewer than a majority of peers (in each joint half) have been heard
// from since the last tick, then reset every peer's liveness flag for
// the next interval.
func (r *raft) checkQuorumTick() {
	if !r.tracker.quorumActive(r.selfId) {
		r.logger.Warningf("%d stepped down to follower since quorum is not active", r.selfId)
		r.becomeFollower(r.term, pb.None)
		return
	}
	r.tracker.visit(func(id pb.NodeId, pr *Progress) {
		if id != r.selfId {
			pr.RecentActive = false
		}
	})
}

func numPendingConf(ents []pb.Entry) int {
	n := 0
	for i := range ents {
		if ents[i].Type == pb.EntryConfChange {
			n++
		}
	}
	return n
}

// handleVote implements the grant rule from spec §4.5: term admissible,
// vote slot free (or already ours, or this is a pre-vote which never
// persists), candidate's log at least as up to date, and (for a real
// vote) no live leader lease unless the requester is a forced transfer.
func (r *raft) handleVote(m pb.Message) error {
	isPreVote := m.Type == pb.MsgRequestPreVote
	inLease := r.checkQuorum && r.leaderId != pb.None && r.electionElapsed < r.electionTimeout
	canVote := r.voteFor == m.From ||
		(r.voteFor == pb.None && r.leaderId == pb.None) ||
		(isPreVote && m.Term > r.term)

	if canVote && r.log.isUpToDate(m.Index, m.LogTerm) && (!inLease || m.CampaignType == pb.CampaignTransfer) {
		r.logger.Infof("%d [logterm: %d, index: %d, vote: %d] cast %v for %d [logterm: %d, index: %d] at term %d",
			r.selfId, r.log.lastTerm(), r.log.lastIndex(), r.voteFor, m.Type, m.From, m.LogTerm, m.Index, r.term)
		r.send(pb.Message{To: m.From, Term: m.Term, Type: voteRespType(m.Type), CampaignType: m.CampaignType})
		if !isPreVote {
			r.electionElapsed = 0
			r.voteFor = m.From
		}
		return nil
	}

	r.logger.Infof("%d [logterm: %d, index: %d, vote: %d] rejected %v from %d [logterm: %d, index: %d] at term %d",
		r.selfId, r.log.lastTerm(), r.log.lastIndex(), r.voteFor, m.Type, m.From, m.LogTerm, m.Index, r.term)
	r.send(pb.Message{To: m.From, Term: r.term, Type: voteRespType(m.Type), Reject: true, CampaignType: m.CampaignType})
	return nil
}

// preHandle is the term-admission gate from spec §4.6. It mirrors the
// three-way split (preHandleMessage / …NewTerm… / …OldTerm…) in the
// original sync_raft.c, including the fixes noted in spec §9: the
// Append/Heartbeat/Snapshot disjunction is a real three-way OR here, and
// PreVote detection checks the message type, not a stale union read.
func (r *raft) preHandle(m pb.Message) (stop bool) {
	if m.Term == 0 {
		return false
	}
	if m.Term > r.term {
		return r.preHandleNewTerm(m)
	}
	if m.Term < r.term {
		return r.preHandleOldTerm(m)
	}
	return false
}

func (r *raft) preHandleNewTerm(m pb.Message) bool {
	if m.Type == pb.MsgRequestVote {
		force := m.CampaignType == pb.CampaignTransfer
		inLease := r.checkQuorum && r.leaderId != pb.None && r.electionElapsed < r.electionTimeout
		if !force && inLease {
			r.logger.Infof("%d [logterm: %d, index: %d, vote: %d] ignored %v from %d [logterm: %d, index: %d] at term %d: lease is not expired",
				r.selfId, r.log.lastTerm(), r.log.lastIndex(), r.voteFor, m.Type, m.From, m.LogTerm, m.Index, r.term)
			return true
		}
	}

	switch {
	case m.Type == pb.MsgRequestPreVote:
		// Never bump term in response to a pre-vote.
	case m.Type == pb.MsgRequestPreVoteResponse && !m.Reject:
		// We campaigned with a trial term; only a quorum of grants
		// actually advances our own term (handled in stepCandidate).
	default:
		r.logger.Infof("%d [term: %d] received a %v message with higher term from %d [term: %d]",
			r.selfId, r.term, m.Type, m.From, m.Term)
		if m.Type == pb.MsgAppend || m.Type == pb.MsgHeartbeat || m.Type == pb.MsgSnapshot {
			r.becomeFollower(m.Term, m.From)
		} else {
			r.becomeFollower(m.Term, pb.None)
		}
	}
	return false
}

func (r *raft) preHandleOldTerm(m pb.Message) bool {
	if (r.checkQuorum || r.candidate.inPreVote) && (m.Type == pb.MsgAppend || m.Type == pb.MsgHeartbeat) {
		r.send(pb.Message{To: m.From, Type: pb.MsgAppendResponse})
		return true
	}
	if m.Type == pb.MsgRequestPreVote {
		r.send(pb.Message{To: m.From, Term: r.term, Type: pb.MsgRequestPreVoteResponse, Reject: true})
		return true
	}
	r.logger.Infof("%d [term: %d] ignored a %v message with lower term from %d [term: %d]",
		r.selfId, r.term, m.Type, m.From, m.Term)
	return true
}

// stepFollower forwards proposals and leadership-transfer requests toward
// the known leader (if any) and otherwise just applies whatever the
// leader sends.
func stepFollower(r *raft, m pb.Message) error {
	switch m.Type {
	case pb.MsgPropose:
		if r.leaderId == pb.None {
			r.logger.Infof("%d no leader at term %d; dropping proposal", r.selfId, r.term)
			return ErrProposalDropped
		}
		m.To = r.leaderId
		r.send(m)
	case pb.MsgAppend:
		r.electionElapsed = 0
		r.leaderId = m.From
		r.handleAppend(m)
	case pb.MsgHeartbeat:
		r.electionElapsed = 0
		r.leaderId = m.From
		r.handleHeartbeat(m)
	case pb.MsgSnapshot:
		r.electionElapsed = 0
		r.leaderId = m.From
		r.handleSnapshot(m)
	case pb.MsgTransferLeader:
		if r.leaderId == pb.None {
			r.logger.Infof("%d no leader at term %d; dropping leader transfer request", r.selfId, r.term)
			return nil
		}
		m.To = r.leaderId
		r.send(m)
	case pb.MsgTimeoutNow:
		r.logger.Infof("%d received MsgTimeoutNow from %d and starts an election immediately", r.selfId, m.From)
		r.campaign(pb.CampaignTransfer)
	case pb.MsgRequestVoteResponse, pb.MsgRequestPreVoteResponse:
		// Stray response after we already stepped down; ignore.
	}
	return nil
}

// stepCandidate is shared by Candidate and PreCandidate: the response
// type it listens for depends on which one is in progress.
func stepCandidate(r *raft, m pb.Message) error {
	var myVoteRespType pb.MessageType
	if r.candidate.inPreVote {
		myVoteRespType = pb.MsgRequestPreVoteResponse
	} else {
		myVoteRespType = pb.MsgRequestVoteResponse
	}

	switch m.Type {
	case pb.MsgPropose:
		r.logger.Infof("%d no leader at term %d; dropping proposal", r.selfId, r.term)
		return ErrProposalDropped
	case pb.MsgAppend:
		r.becomeFollower(m.Term, m.From)
		r.handleAppend(m)
	case pb.MsgHeartbeat:
		r.becomeFollower(m.Term, m.From)
		r.handleHeartbeat(m)
	case pb.MsgSnapshot:
		r.becomeFollower(m.Term, m.From)
		r.handleSnapshot(m)
	case myVoteRespType:
		res := r.poll(m.From, m.Type, !m.Reject)
		switch res {
		case VoteWon:
			if r.candidate.inPreVote {
				r.campaign(pb.CampaignElection)
			} else {
				r.becomeLeader()
				r.bcastAppend()
			}
		case VoteLost:
			r.becomeFollower(r.term, pb.None)
		}
	case pb.MsgTimeoutNow:
		r.logger.Debugf("%d [term: %d] ignored MsgTimeoutNow from %d while campaigning", r.selfId, r.term, m.From)
	}
	return nil
}

// stepLeader drives replication, proposal acceptance, and the response
// handlers for acks from followers.
func stepLeader(r *raft, m pb.Message) error {
	switch m.Type {
	case pb.MsgBeat:
		r.bcastHeartbeat()
		return nil
	case pb.MsgPropose:
		if len(m.Entries) == 0 {
			r.logger.Panicf("%d stepped empty MsgPropose", r.selfId)
		}
		if r.getProgress(r.selfId) == nil {
			// We were removed from the voter set but haven't heard the
			// confirming Append yet; refuse to accept new work.
			return ErrProposalDropped
		}
		if r.leadTransferee != pb.None {
			r.logger.Debugf("%d [term: %d] transfer leadership to %d is in progress; dropping proposal", r.selfId, r.term, r.leadTransferee)
			return ErrProposalDropped
		}
		ents := make([]pb.Entry, 0, len(m.Entries))
		for _, e := range m.Entries {
			if e.Type == pb.EntryConfChange {
				if r.pendingConfIndex > r.log.appliedIndex {
					r.logger.Infof("%d rejecting conf change at index %d since pending conf change at index %d has not been applied",
						r.selfId, e.Index, r.pendingConfIndex)
					ents = append(ents, pb.Entry{Type: pb.EntryNormal})
					continue
				}
				r.pendingConfIndex = r.log.lastIndex() + pb.Index(len(ents)) + 1
			}
			ents = append(ents, *e)
		}
		if err := r.appendEntry(ents...); err != nil {
			return err
		}
		r.bcastAppend()
		return nil
	case pb.MsgAppendResponse:
		r.handleAppendResponse(m)
	case pb.MsgHeartbeatResponse:
		r.handleHeartbeatResponse(m)
	case pb.MsgTransferLeader:
		r.handleTransferLeader(m)
	case pb.MsgRequestVoteResponse, pb.MsgRequestPreVoteResponse:
		// Stray response from an election we already resolved; ignore.
	}
	return nil
}

// handleAppend applies the log-matching check (§4.2) and either extends
// the log or rejects with a hint the leader can use to bisect Next.
func (r *raft) handleAppend(m pb.Message) {
	if m.Index < r.log.commitIndex {
		r.send(pb.Message{To: m.From, Type: pb.MsgAppendResponse, Index: r.log.commitIndex})
		return
	}
	if !r.log.matchTerm(m.Index, m.LogTerm) {
		hintIndex := minIdx(m.Index, r.log.lastIndex())
		hintTerm, err := r.log.term(hintIndex)
		if err != nil {
			hintTerm = 0
		}
		r.logger.Infof("%d [logterm: %d, index: %d] rejected MsgAppend [logterm: %d, index: %d] from %d",
			r.selfId, hintTerm, hintIndex, m.LogTerm, m.Index, m.From)
		r.send(pb.Message{To: m.From, Type: pb.MsgAppendResponse, Index: m.Index, Reject: true, RejectHint: hintIndex, LogTerm: hintTerm})
		return
	}

	ents := make([]pb.Entry, len(m.Entries))
	for i, e := range m.Entries {
		ents[i] = *e
	}
	if conflict := r.log.findConflict(ents); conflict != 0 {
		switch {
		case conflict <= r.log.commitIndex:
			r.logger.Panicf("%d entry %d conflict with committed entry", r.selfId, conflict)
		default:
			off := m.Index + 1
			if _, err := r.log.append(ents[conflict-off:]); err != nil {
				r.logger.Panicf("%d failed to append entries: %v", r.selfId, err)
			}
		}
	}
	// findConflict == 0 means every entry in ents already matches what is
	// locally stored: nothing to append, and re-appending them would let a
	// reordered/duplicate older MsgAppend truncate a longer uncommitted
	// tail the local log already has.

	lastNewIndex := m.Index + pb.Index(len(m.Entries))
	r.log.commitTo(minIdx(m.Commit, lastNewIndex))
	r.send(pb.Message{To: m.From, Type: pb.MsgAppendResponse, Index: lastNewIndex})
}

func (r *raft) handleHeartbeat(m pb.Message) {
	r.log.commitTo(m.Commit)
	r.send(pb.Message{To: m.From, Type: pb.MsgHeartbeatResponse, Context: m.Context})
}

func (r *raft) handleSnapshot(m pb.Message) {
	if m.Snapshot == nil || m.Snapshot.IsEmpty() {
		r.logger.Panicf("%d received an empty snapshot from %d", r.selfId, m.From)
	}
	sindex, sterm := m.Snapshot.Metadata.Index, m.Snapshot.Metadata.Term
	if r.restore(*m.Snapshot) {
		r.logger.Infof("%d [commit: %d] restored snapshot [index: %d, term: %d]", r.selfId, r.log.commitIndex, sindex, sterm)
		r.send(pb.Message{To: m.From, Type: pb.MsgAppendResponse, Index: r.log.lastIndex()})
	} else {
		r.logger.Infof("%d [commit: %d] ignored snapshot [index: %d, term: %d]", r.selfId, r.log.commitIndex, sindex, sterm)
		r.send(pb.Message{To: m.From, Type: pb.MsgAppendResponse, Index: r.log.commitIndex})
	}
}

// restore installs a snapshot if it is actually ahead of the local log,
// rebuilding the membership shape through the same changer path that
// live conf changes use.
func (r *raft) restore(snap pb.Snapshot) bool {
	if snap.Metadata.Index <= r.log.commitIndex {
		return false
	}
	if r.log.matchTerm(snap.Metadata.Index, snap.Metadata.Term) {
		r.log.commitTo(snap.Metadata.Index)
		return false
	}

	cfg, prs, err := restoreConfig(newProgressTracker(r.tracker.maxInflight), snap.Metadata.ConfState, snap.Metadata.Index)
	if err != nil {
		r.logger.Panicf("%d failed to restore cluster state from snapshot: %v", r.selfId, err)
	}
	r.tracker.config = cfg
	r.tracker.progress = prs
	r.log.restore(snap)
	if pr := r.getProgress(r.selfId); pr != nil {
		pr.Match = r.log.lastIndex()
	}
	return true
}

// applyConfChange is called by the driver once an EntryConfChange commits,
// before the FSM hears of it. It returns the resulting ConfState for the
// driver to persist and report via FSM.OnClusterChanged.
func (r *raft) applyConfChange(cc pb.ConfChange) pb.ConfState {
	ch := &changer{tracker: r.tracker, lastIndex: r.log.lastIndex()}
	var cfg trackerConfig
	var prs map[pb.NodeId]*Progress
	var err error
	if len(cc.Changes) == 0 {
		cfg, prs, err = ch.leaveJoint()
	} else if cc.Transition != pb.ConfChangeTransitionAuto || len(cc.Changes) > 1 {
		cfg, prs, err = ch.enterJoint(cc.Transition == pb.ConfChangeTransitionAuto, cc.Changes)
	} else {
		cfg, prs, err = ch.simple(cc.Changes)
	}
	if err != nil {
		r.logger.Panicf("%d failed to apply conf change %v: %v", r.selfId, cc, err)
	}
	return r.switchToConfig(cfg, prs)
}

// switchToConfig installs a new membership shape and drops progress
// tracking for any node no longer present. On a leader it re-checks the
// commit index and sends appends to peers that need them, and aborts a
// leadership transfer whose target is no longer a voter.
func (r *raft) switchToConfig(cfg trackerConfig, prs map[pb.NodeId]*Progress) pb.ConfState {
	r.tracker.config = cfg
	r.tracker.progress = prs
	r.logger.Infof("%d switched to configuration %v", r.selfId, cfg.toConfState())

	cs := cfg.toConfState()
	if pr, ok := r.tracker.progress[r.selfId]; !ok || pr == nil {
		r.isLearner = false
	} else {
		r.isLearner = pr.IsLearner
	}
	if (!r.tracker.isVoter(r.selfId) || r.isLearner) && r.state == StateLeader {
		return cs
	}
	if r.state != StateLeader || len(cfg.voters.incoming) == 0 {
		return cs
	}
	if r.maybeCommit() {
		r.bcastAppend()
	} else {
		r.tracker.visit(func(id pb.NodeId, pr *Progress) {
			if id == r.selfId {
				return
			}
			r.maybeSendAppend(id, false)
		})
	}
	if r.leadTransferee != pb.None && !r.tracker.isVoter(r.leadTransferee) {
		r.abortLeaderTransfer()
	}
	return cs
}

func (r *raft) handleAppendResponse(m pb.Message) {
	pr := r.getProgress(m.From)
	if pr == nil {
		r.logger.Debugf("%d no progress available for %d", r.selfId, m.From)
		return
	}
	pr.RecentActive = true

	if m.Reject {
		r.logger.Debugf("%d received MsgAppendResponse(rejected, hint: (index %d, term %d)) from %d for index %d",
			r.selfId, m.RejectHint, m.LogTerm, m.From, m.Index)
		if pr.maybeDecrTo(m.Index, m.RejectHint) {
			if pr.State == ProgressStateReplicate {
				pr.becomeProbe()
			}
			r.sendAppend(m.From)
		}
		return
	}

	wasPaused := pr.isPaused()
	if pr.maybeUpdate(m.Index) {
		switch {
		case pr.State == ProgressStateProbe:
			pr.becomeReplicate()
		case pr.State == ProgressStateSnapshot && pr.needsSnapshotAbort():
			pr.becomeProbe()
		case pr.State == ProgressStateReplicate:
			pr.inflights.freeLE(m.Index)
		}

		if r.maybeCommit() {
			r.bcastAppend()
		} else if wasPaused {
			r.sendAppend(m.From)
		}

		if r.leadTransferee == m.From && pr.Match == r.log.lastIndex() {
			r.logger.Infof("%d sent MsgTimeoutNow to %d after transferring its leadership", r.selfId, m.From)
			r.send(pb.Message{To: m.From, Type: pb.MsgTimeoutNow})
		}
	}
}

func (r *raft) handleHeartbeatResponse(m pb.Message) {
	pr := r.getProgress(m.From)
	if pr == nil {
		return
	}
	pr.RecentActive = true
	pr.Paused = false

	if pr.State == ProgressStateReplicate && pr.inflights.full() {
		pr.inflights.freeLE(pr.Match)
	}
	if pr.Match < r.log.lastIndex() {
		r.sendAppend(m.From)
	}
}

// handleTransferLeader implements the leadership-transfer handshake: if
// the target is already caught up, send it MsgTimeoutNow immediately;
// otherwise remember the target and let handleAppendResponse send
// MsgTimeoutNow once it catches up.
func (r *raft) handleTransferLeader(m pb.Message) {
	if r.isLearner {
		r.logger.Debugf("%d is learner; dropping leadership transfer", r.selfId)
		return
	}
	leadTransferee := m.From
	if leadTransferee == r.selfId {
		return
	}
	if r.leadTransferee == leadTransferee {
		r.logger.Infof("%d already in the process of transferring to %d", r.selfId, leadTransferee)
		return
	}
	if r.leadTransferee != pb.None {
		r.logger.Infof("%d abort previous transfer to %d", r.selfId, r.leadTransferee)
	}
	if !r.tracker.isVoter(leadTransferee) {
		r.logger.Infof("%d rejected transfer to non-voter %d", r.selfId, leadTransferee)
		return
	}
	r.electionElapsed = 0
	r.leadTransferee = leadTransferee
	pr := r.getProgress(leadTransferee)
	if pr != nil && pr.Match == r.log.lastIndex() {
		r.logger.Infof("%d sent MsgTimeoutNow to %d immediately since it already has up-to-date log", r.selfId, leadTransferee)
		r.send(pb.Message{To: leadTransferee, Type: pb.MsgTimeoutNow})
	} else {
		r.sendAppend(leadTransferee)
	}
}

// peerBehindFirstIndex reports whether a peer's Next has fallen behind
// what the log still retains, i.e. it can only be caught up by a
// snapshot rather than an Append.
func (r *raft) peerBehindFirstIndex(id pb.NodeId) bool {
	pr := r.getProgress(id)
	return pr != nil && pr.Next <= r.log.firstIndex()
}

// peersNeedingSnapshot lists voters/learners that are behind firstIndex
// and do not yet have a snapshot staged for them.
func (r *raft) peersNeedingSnapshot() []pb.NodeId {
	if _, ok := r.log.snapshot(); ok {
		return nil
	}
	var ids []pb.NodeId
	r.tracker.visit(func(id pb.NodeId, pr *Progress) {
		if id == r.selfId {
			return
		}
		if pr.Next <= r.log.firstIndex() {
			ids = append(ids, id)
		}
	})
	return ids
}
