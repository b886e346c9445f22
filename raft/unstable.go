package raft

import (
	"fmt"

	pb "github.com/tdsync/raft/raftpb"
)

// unstableLog is the in-memory tail above offset, optionally fronted by a
// pending snapshot. entries[k] holds raft index offset+k. It mediates
// between the durable store (which a stableTo notification eventually
// catches up to) and whatever the core has appended but not yet heard is
// durable.
type unstableLog struct {
	snapshot *pb.Snapshot
	entries  entryArray
	offset   pb.Index

	logger Logger
}

func newUnstableLog(offset pb.Index, logger Logger) *unstableLog {
	return &unstableLog{offset: offset, logger: logger}
}

// maybeFirstIndex returns snapshot.Index+1 when a snapshot is pending.
func (u *unstableLog) maybeFirstIndex() (pb.Index, bool) {
	if u.snapshot != nil {
		return u.snapshot.Metadata.Index + 1, true
	}
	return 0, false
}

// maybeLastIndex returns offset+len-1 if entries are held, else the
// snapshot index, else false.
func (u *unstableLog) maybeLastIndex() (pb.Index, bool) {
	if n := u.entries.len(); n > 0 {
		return u.offset + pb.Index(n) - 1, true
	}
	if u.snapshot != nil {
		return u.snapshot.Metadata.Index, true
	}
	return 0, false
}

// maybeTerm returns the term of entry i, consulting the pending snapshot
// when i precedes the stored entries.
func (u *unstableLog) maybeTerm(i pb.Index) (pb.Term, bool) {
	if i < u.offset {
		if u.snapshot != nil && u.snapshot.Metadata.Index == i {
			return u.snapshot.Metadata.Term, true
		}
		return 0, false
	}
	last, ok := u.maybeLastIndex()
	if !ok || i > last {
		return 0, false
	}
	return u.entries.termAt(i)
}

// stableTo records that the durable store has persisted through (i, term).
// A term mismatch is a stale notification from before a truncation and is
// a silent no-op, never a mutation.
func (u *unstableLog) stableTo(i pb.Index, term pb.Term) {
	gt, ok := u.maybeTerm(i)
	if !ok {
		return
	}
	if gt == term && i >= u.offset {
		u.entries.removeBefore(i + 1)
		u.offset = i + 1
	}
}

// stableSnapTo clears the pending snapshot once the store has persisted it.
func (u *unstableLog) stableSnapTo(i pb.Index) {
	if u.snapshot != nil && u.snapshot.Metadata.Index == i {
		u.snapshot = nil
	}
}

// restore replaces the pending snapshot, discards every held entry, and
// re-bases offset to snapshot.Index+1.
func (u *unstableLog) restore(snap pb.Snapshot) {
	u.offset = snap.Metadata.Index + 1
	u.entries.clear()
	u.snapshot = &snap
}

// truncateAndAppend merges a leader's append (or a local propose) into the
// tail, picking the cheapest of three shapes depending on where the new
// entries start relative to what is already held, then pushes the same
// shape through the durable store so both stay consistent.
func (u *unstableLog) truncateAndAppend(store LogStore, ents []pb.Entry) error {
	if len(ents) == 0 {
		return nil
	}
	after := ents[0].Index
	switch {
	case after == u.offset+pb.Index(u.entries.len()):
		u.entries.append(ents...)
		return u.writeThrough(store, ents)
	case after <= u.offset:
		u.logger.Infof("replacing unstable entries from index %d", after)
		u.offset = after
		u.entries.assign(append([]pb.Entry(nil), ents...))
		if err := store.LogTruncate(after); err != nil {
			return err
		}
		return u.writeThrough(store, ents)
	default:
		u.logger.Infof("truncating unstable entries before index %d", after)
		kept := u.entries.slice(u.offset, after)
		merged := make([]pb.Entry, 0, len(kept)+len(ents))
		merged = append(merged, kept...)
		merged = append(merged, ents...)
		u.entries.assign(merged)
		if err := store.LogTruncate(after); err != nil {
			return err
		}
		return u.writeThrough(store, ents)
	}
}

func (u *unstableLog) writeThrough(store LogStore, ents []pb.Entry) error {
	for i := range ents {
		buf, err := ents[i].Marshal()
		if err != nil {
			return fmt.Errorf("raft: encode entry %d: %w", ents[i].Index, err)
		}
		if err := store.LogWrite(ents[i].Index, buf); err != nil {
			return err
		}
	}
	last := ents[len(ents)-1]
	store.LogCommit(last.Index)
	u.stableTo(last.Index, last.Term)
	return nil
}

// slice returns entries in [lo, hi), bounds-checked against what is held.
func (u *unstableLog) slice(lo, hi pb.Index) []pb.Entry {
	u.mustCheckOutOfBounds(lo, hi)
	return u.entries.slice(lo, hi)
}

func (u *unstableLog) mustCheckOutOfBounds(lo, hi pb.Index) {
	if lo > hi {
		u.logger.Panicf("invalid unstable.slice %d > %d", lo, hi)
	}
	upper := u.offset + pb.Index(u.entries.len())
	if lo < u.offset || hi > upper {
		u.logger.Panicf("unstable.slice[%d,%d) out of bound [%d,%d]", lo, hi, u.offset, upper)
	}
}
