package raft

import pb "github.com/tdsync/raft/raftpb"

// LogStore is the durable log sink. The core treats it as synchronous and
// infallible except for the error kinds it defines: callers should assume
// any other error is a bug (fatal per the taxonomy in spec §7.4).
type LogStore interface {
	LogWrite(index pb.Index, buf []byte) error
	LogRead(from pb.Index, limit int) ([][]byte, error)
	LogCommit(index pb.Index) error
	LogPrune(before pb.Index) error
	LogTruncate(from pb.Index) error
	// LogLastIndex must be exact; the log facade asserts against it.
	LogLastIndex() (pb.Index, error)
}

// StateManager persists the small, frequently-written slice of raft state
// (term/vote/commit) and the less frequently written cluster membership.
// The core calls Save* before any message that makes that state externally
// visible (e.g. before replying to a Vote, or before an Append in a new
// term).
type StateManager interface {
	SaveServerState(pb.ServerState) error
	ReadServerState() (pb.ServerState, error)
	SaveClusterState(pb.ConfState) error
	ReadClusterState() (pb.ConfState, error)
}

// FSM is the application state machine driven by the committed log. Buffers
// handed to ApplyLog/ApplySnapshot are borrowed: the callee must be done
// with them before returning, since the core does not keep a reference
// after the call.
type FSM interface {
	// ApplyLog delivers a committed, durable entry. Monotone in index, at
	// most once per index.
	ApplyLog(index pb.Index, data []byte, cookie uint64) error
	// OnClusterChanged fires after a conf-change entry commits, before the
	// next conf-change proposal is accepted.
	OnClusterChanged(cs pb.ConfState, cookie uint64)
	// GetSnapshot may be called repeatedly while a snapshot is pending;
	// repeated calls for the same pendingSnapshotIndex must coalesce on
	// the caller's side (see Progress.PendingSnapshotIndex).
	GetSnapshot() (data []byte, objID int32, isLast bool, err error)
	// ApplySnapshot installs a follower-side snapshot chunk.
	ApplySnapshot(data []byte, objID int32, isLast bool) error
	// OnRestoreDone fires once, after start() has restored local log and
	// snapshot state.
	OnRestoreDone()
	// OnRollback is part of the interface, but the core never calls it:
	// uncommitted entries overwritten by a new leader's truncate-and-append
	// are not reported to the FSM.
	OnRollback(index pb.Index, data []byte)
	// OnRoleChanged fires after every role transition, reporting every
	// known node's role (single slice, not TDengine's parallel arrays).
	OnRoleChanged(nodes []NodeRole)
}

// NodeRole pairs a node with its last-known role, as reported by
// OnRoleChanged.
type NodeRole struct {
	NodeId pb.NodeId
	State  StateType
}
