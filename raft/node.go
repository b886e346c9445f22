package raft

import (
	"context"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/shirou/gopsutil/v3/mem"

	pb "github.com/tdsync/raft/raftpb"
)

// Transport is the outbound message sink a Node drives: everything the
// core queues during a Step/Tick/Propose call is handed to Send once,
// batched per call. Implementations own retries, connection pooling, and
// serialization; the core never blocks waiting on delivery.
type Transport interface {
	Send(msgs []pb.Message)
}

// Node is the driver that binds one raft core to its durable log, its
// cluster/server state, its application state machine, and a transport.
// It owns the lock that makes Step/Tick/Propose/ProposeConfChange safe to
// call from whatever goroutines receive network messages, fire timers,
// and accept client requests.
type Node struct {
	mu sync.Mutex

	r         *raft
	store     LogStore
	stateMgr  StateManager
	fsm       FSM
	transport Transport

	prevHard  pb.ServerState
	prevRoles map[pb.NodeId]StateType

	stopped bool
}

// StartNode constructs a Node, restoring persisted server/cluster state
// and replaying OnRestoreDone before accepting any traffic.
func StartNode(c *Config, store LogStore, stateMgr StateManager, fsm FSM, transport Transport) *Node {
	r := newRaft(c, store, stateMgr)
	n := &Node{
		r:         r,
		store:     store,
		stateMgr:  stateMgr,
		fsm:       fsm,
		transport: transport,
		prevHard:  r.hardState(),
		prevRoles: map[pb.NodeId]StateType{},
	}
	fsm.OnRestoreDone()
	n.reportRoleChange()
	n.logHostMemory()
	return n
}

// logHostMemory reports host memory (total, available, percent used)
// once at startup, the same
// single-shot host stat the teacher's store heartbeat gathers before it
// starts taking traffic.
func (n *Node) logHostMemory() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		n.r.logger.Warningf("%d failed to read host memory stats: %v", n.r.selfId, err)
		return
	}
	n.r.logger.Infof("%d host memory: total=%dMB available=%dMB used=%.1f%%",
		n.r.selfId, vm.Total/(1<<20), vm.Available/(1<<20), vm.UsedPercent)
}

// Stop marks the node inactive; further Step/Propose calls return
// ErrStopped and Tick does nothing. Safe to call more than once.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
}

// Tick advances the node's internal logical clock by one unit and
// performs whatever election/heartbeat work that triggers.
func (n *Node) Tick() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.r.tick()
	n.advance()
}

// Step hands one inbound message to the core. If ctx carries an
// opentracing span, a child span covers the append/commit work this call
// triggers; callers that don't trace just pass context.Background().
func (n *Node) Step(ctx context.Context, m pb.Message) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "raft.Step")
	defer span.Finish()
	span.SetTag("msg.type", m.Type.String())

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if m.Type == pb.MsgSnapshot && m.Snapshot != nil {
		if err := n.fsm.ApplySnapshot(m.Snapshot.Data, 0, true); err != nil {
			return err
		}
	}
	err := n.r.Step(m)
	n.advance()
	return err
}

// Propose submits an opaque application payload for replication. cookie
// is an opaque caller tag round-tripped into FSM.ApplyLog once the entry
// commits; isWeak marks a proposal the caller does not need commit
// confirmation for (the core still replicates and applies it the same
// way, callers simply choose not to wait on it).
func (n *Node) Propose(ctx context.Context, data []byte, cookie uint64, isWeak bool) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "raft.Propose")
	defer span.Finish()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.r.state != StateLeader {
		return ErrNotLeader
	}
	err := n.r.Step(pb.Message{
		Type:    pb.MsgPropose,
		From:    n.r.selfId,
		Entries: []*pb.Entry{{Type: pb.EntryNormal, Data: data, Cookie: cookie, IsWeak: isWeak}},
	})
	n.advance()
	return err
}

// ProposeConfChange submits a membership change. Only one conf change may
// be outstanding (uncommitted or unapplied) at a time; a second call
// before the first is applied returns ErrConfChangeInProgress. A conf
// change that reaches the leader step handler while another is pending is
// appended as an empty normal entry instead.
func (n *Node) ProposeConfChange(cc pb.ConfChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.r.state != StateLeader {
		return ErrNotLeader
	}
	if n.r.pendingConfIndex > n.r.log.appliedIndex {
		return ErrConfChangeInProgress
	}
	data, err := cc.Marshal()
	if err != nil {
		return err
	}
	err = n.r.Step(pb.Message{
		Type:    pb.MsgPropose,
		From:    n.r.selfId,
		Entries: []*pb.Entry{{Type: pb.EntryConfChange, Data: data}},
	})
	n.advance()
	return err
}

// TransferLeadership asks the current leader to hand off to transferee.
func (n *Node) TransferLeadership(transferee pb.NodeId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	_ = n.r.Step(pb.Message{Type: pb.MsgTransferLeader, From: transferee})
	n.advance()
}

// Campaign forces an election, bypassing the normal timeout wait. Mostly
// useful for tests and for bootstrapping a brand new single-node group.
func (n *Node) Campaign() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	err := n.r.Step(pb.Message{Type: pb.MsgHup, From: n.r.selfId})
	n.advance()
	return err
}

// Status is a point-in-time snapshot of the node's role state, used by
// cmd/raftctl and by tests.
type Status struct {
	ID       pb.NodeId
	GroupID  pb.GroupId
	State    StateType
	Term     pb.Term
	Leader   pb.NodeId
	Applied  pb.Index
	Commit   pb.Index
	LastLog  pb.Index
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:      n.r.selfId,
		GroupID: n.r.selfGroupId,
		State:   n.r.state,
		Term:    n.r.term,
		Leader:  n.r.leaderId,
		Applied: n.r.log.appliedIndex,
		Commit:  n.r.log.commitIndex,
		LastLog: n.r.log.lastIndex(),
	}
}

// advance is the single post-call hook: persist state that changed,
// apply newly committed entries, offer snapshots to peers that have
// fallen behind, report role changes, and flush the outbound queue.
// Every exported Node method that steps the core (Tick, Step, Propose,
// ProposeConfChange, TransferLeadership, Campaign) ends by calling it
// while still holding the lock, so the core never leaks state across an
// unflushed boundary.
func (n *Node) advance() {
	n.persistHardStateIfChanged()
	n.applyCommitted()
	n.offerSnapshots()
	n.reportRoleChange()
	n.flushMessages()
}

func (n *Node) persistHardStateIfChanged() {
	hs := n.r.hardState()
	if hs.Equal(n.prevHard) {
		return
	}
	if err := n.stateMgr.SaveServerState(hs); err != nil {
		n.r.logger.Panicf("%d failed to persist server state: %v", n.r.selfId, err)
	}
	n.prevHard = hs
}

func (n *Node) applyCommitted() {
	ents := n.r.log.unappliedEntries()
	for i := range ents {
		e := ents[i]
		switch e.Type {
		case pb.EntryNormal:
			if len(e.Data) == 0 {
				// Leader's term-start marker entry; nothing to apply.
			} else if err := n.fsm.ApplyLog(e.Index, e.Data, e.Cookie); err != nil {
				n.r.logger.Panicf("%d failed to apply entry %d: %v", n.r.selfId, e.Index, err)
			}
		case pb.EntryConfChange:
			var cc pb.ConfChange
			if len(e.Data) > 0 {
				if err := cc.Unmarshal(e.Data); err != nil {
					n.r.logger.Panicf("%d failed to decode conf change at %d: %v", n.r.selfId, e.Index, err)
				}
			}
			cs := n.r.applyConfChange(cc)
			if err := n.stateMgr.SaveClusterState(cs); err != nil {
				n.r.logger.Panicf("%d failed to persist cluster state: %v", n.r.selfId, err)
			}
			n.fsm.OnClusterChanged(cs, 0)
		}
		n.r.log.appliedTo(e.Index)
	}
}

func (n *Node) offerSnapshots() {
	peers := n.r.peersNeedingSnapshot()
	if len(peers) == 0 {
		return
	}
	data, objID, isLast, err := n.fsm.GetSnapshot()
	if err != nil {
		n.r.logger.Warningf("%d snapshot generation failed: %v", n.r.selfId, err)
		return
	}
	term, err := n.r.log.term(n.r.log.appliedIndex)
	if err != nil {
		n.r.logger.Warningf("%d cannot stage snapshot at applied index %d: %v", n.r.selfId, n.r.log.appliedIndex, err)
		return
	}
	snap := pb.Snapshot{
		Data: data,
		Metadata: pb.SnapshotMetadata{
			Index:     n.r.log.appliedIndex,
			Term:      term,
			ConfState: n.r.tracker.config.toConfState(),
		},
	}
	_ = objID
	_ = isLast
	n.r.log.stageSnapshot(snap)
	for _, id := range peers {
		n.r.sendAppend(id)
	}
}

func (n *Node) reportRoleChange() {
	changed := false
	roles := make([]NodeRole, 0, len(n.r.tracker.progress)+1)
	seen := map[pb.NodeId]bool{n.r.selfId: true}
	roles = append(roles, NodeRole{NodeId: n.r.selfId, State: n.r.state})
	if prev, ok := n.prevRoles[n.r.selfId]; !ok || prev != n.r.state {
		changed = true
	}
	n.r.tracker.visit(func(id pb.NodeId, _ *Progress) {
		if seen[id] {
			return
		}
		seen[id] = true
		st := StateFollower
		if id == n.r.leaderId {
			st = StateLeader
		}
		roles = append(roles, NodeRole{NodeId: id, State: st})
		if prev, ok := n.prevRoles[id]; !ok || prev != st {
			changed = true
		}
	})
	if !changed {
		return
	}
	next := make(map[pb.NodeId]StateType, len(roles))
	for _, nr := range roles {
		next[nr.NodeId] = nr.State
	}
	n.prevRoles = next
	n.fsm.OnRoleChanged(roles)
}

func (n *Node) flushMessages() {
	if len(n.r.msgs) == 0 {
		return
	}
	msgs := n.r.msgs
	n.r.msgs = nil
	n.transport.Send(msgs)
}
