package raft

import (
	"fmt"

	pb "github.com/tdsync/raft/raftpb"
)

// ProgressState is the leader's view of how it is currently replicating to
// one peer.
type ProgressState int

const (
	// ProgressStateProbe: at most one in-flight Append; used after a
	// peer rejects, or right after becoming leader, until its match is
	// known again.
	ProgressStateProbe ProgressState = iota
	// ProgressStateReplicate: steady-state pipelining, bounded by the
	// inflight window.
	ProgressStateReplicate
	// ProgressStateSnapshot: a snapshot is outstanding; no further
	// appends are sent until it is acked or reset.
	ProgressStateSnapshot
)

func (s ProgressState) String() string {
	switch s {
	case ProgressStateProbe:
		return "StateProbe"
	case ProgressStateReplicate:
		return "StateReplicate"
	case ProgressStateSnapshot:
		return "StateSnapshot"
	default:
		return "StateUnknown"
	}
}

// inflights is a bounded ring of in-flight append indices, used in
// ProgressStateReplicate to pace pipelining without tracking per-message
// acks explicitly: freeing "up to index i" just drops everything <= i.
type inflights struct {
	start int
	count int
	size  int
	buf   []pb.Index
}

func newInflights(size int) *inflights {
	return &inflights{size: size}
}

func (in *inflights) full() bool { return in.count == in.size }

func (in *inflights) add(i pb.Index) {
	if in.full() {
		panic("raft: cannot add into a full inflights")
	}
	if in.buf == nil {
		in.buf = make([]pb.Index, in.size)
	}
	next := (in.start + in.count) % in.size
	in.buf[next] = i
	in.count++
}

// freeLE frees every in-flight entry with index <= to.
func (in *inflights) freeLE(to pb.Index) {
	if in.count == 0 || to < in.buf[in.start] {
		return
	}
	idx := in.start
	var freed int
	for ; freed < in.count; freed++ {
		if in.buf[idx] > to {
			break
		}
		idx = (idx + 1) % in.size
	}
	in.count -= freed
	in.start = idx
}

func (in *inflights) reset() {
	in.start = 0
	in.count = 0
}

// Progress is the leader's bookkeeping for one peer: how far it has
// acknowledged (match), what the leader will send next (next), and the
// pacing state machine (Probe/Replicate/Snapshot).
type Progress struct {
	Match, Next pb.Index

	State ProgressState

	// PendingSnapshotIndex is set while State==Snapshot; further
	// appends are withheld until the snapshot at this index is acked or
	// the state resets.
	PendingSnapshotIndex pb.Index

	// Paused is true in Probe state once an append has been sent and
	// not yet answered, so the leader sends at most one outstanding
	// probe at a time.
	Paused bool

	// RecentActive is cleared every checkQuorum interval and set again
	// whenever the peer is heard from; used to compute quorum liveness.
	RecentActive bool

	IsLearner bool

	inflights *inflights
}

func newProgress(next pb.Index, maxInflight int, isLearner bool) *Progress {
	return &Progress{
		Next:      next,
		State:     ProgressStateProbe,
		IsLearner: isLearner,
		inflights: newInflights(maxInflight),
	}
}

func (pr *Progress) String() string {
	return fmt.Sprintf("match=%d next=%d state=%s learner=%v", pr.Match, pr.Next, pr.State, pr.IsLearner)
}

// resetState clears pacing state and switches to the given state.
func (pr *Progress) resetState(state ProgressState) {
	pr.Paused = false
	pr.PendingSnapshotIndex = 0
	pr.State = state
	pr.inflights.reset()
}

func (pr *Progress) becomeProbe() {
	if pr.State == ProgressStateSnapshot {
		pending := pr.PendingSnapshotIndex
		pr.resetState(ProgressStateProbe)
		pr.Next = maxIdx(pr.Match+1, pending+1)
		return
	}
	pr.resetState(ProgressStateProbe)
	pr.Next = pr.Match + 1
}

func (pr *Progress) becomeReplicate() {
	pr.resetState(ProgressStateReplicate)
	pr.Next = pr.Match + 1
}

func (pr *Progress) becomeSnapshot(snapshotIndex pb.Index) {
	pr.resetState(ProgressStateSnapshot)
	pr.PendingSnapshotIndex = snapshotIndex
}

// maybeUpdate records an ack at index; returns whether match advanced.
func (pr *Progress) maybeUpdate(n pb.Index) bool {
	var updated bool
	if pr.Match < n {
		pr.Match = n
		updated = true
		pr.Paused = false
	}
	if pr.Next < n+1 {
		pr.Next = n + 1
	}
	return updated
}

// optimisticUpdate speculatively advances Next when pipelining in
// Replicate state, ahead of the corresponding ack.
func (pr *Progress) optimisticUpdate(n pb.Index) {
	pr.Next = n + 1
}

// maybeDecrTo handles a rejected append at `rejected` with index hint
// `matchHint`: bisects Next down instead of always retreating by one,
// per spec §4.5.
func (pr *Progress) maybeDecrTo(rejected, matchHint pb.Index) bool {
	if pr.State == ProgressStateReplicate {
		if rejected <= pr.Match {
			return false
		}
		pr.Next = pr.Match + 1
		return true
	}
	if pr.Next-1 != rejected {
		return false
	}
	pr.Next = maxIdx(minIdx(rejected, matchHint+1), pr.Match+1)
	pr.Paused = false
	return true
}

func (pr *Progress) snapshotFailure() {
	pr.PendingSnapshotIndex = 0
}

// needsSnapshotAbort reports whether a Snapshot-state peer's pending
// snapshot has already been subsumed by match catching up (e.g. a late
// ack arriving after the snapshot was unnecessary).
func (pr *Progress) needsSnapshotAbort() bool {
	return pr.State == ProgressStateSnapshot && pr.Match >= pr.PendingSnapshotIndex
}

// isPaused reports whether the leader should currently withhold sending
// more to this peer.
func (pr *Progress) isPaused() bool {
	switch pr.State {
	case ProgressStateProbe:
		return pr.Paused
	case ProgressStateReplicate:
		return pr.inflights.full()
	case ProgressStateSnapshot:
		return true
	default:
		return true
	}
}
