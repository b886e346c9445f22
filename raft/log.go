package raft

import (
	"fmt"

	pb "github.com/tdsync/raft/raftpb"
)

// raftLog is the single logical view over the unstable tail and the
// durable LogStore: every other component reads/writes the log only
// through this facade.
type raftLog struct {
	store    LogStore
	unstable *unstableLog

	// commitIndex is the highest index known to be replicated to a
	// quorum; it only ever advances (commitTo ignores a lower value).
	commitIndex pb.Index
	// appliedIndex is the highest index the FSM has applied; always
	// satisfies applied <= commit.
	appliedIndex pb.Index

	// maxNextEntsSize caps how many bytes unappliedEntries will return in
	// one call, so a host never has to buffer an unbounded batch.
	maxNextEntsSize uint64

	logger Logger
}

const noLimit = 0

func newRaftLog(store LogStore, logger Logger, maxNextEntsSize uint64) *raftLog {
	if store == nil {
		logger.Panicf("raftLog: store must not be nil")
	}
	last, err := store.LogLastIndex()
	if err != nil {
		logger.Panicf("raftLog: LogLastIndex: %v", err)
	}
	return &raftLog{
		store:           store,
		unstable:        newUnstableLog(last+1, logger),
		commitIndex:     0,
		appliedIndex:    0,
		maxNextEntsSize: maxNextEntsSize,
		logger:          logger,
	}
}

func (l *raftLog) String() string {
	return fmt.Sprintf("committed=%d, applied=%d, unstable.offset=%d, len(unstable.entries)=%d",
		l.commitIndex, l.appliedIndex, l.unstable.offset, l.unstable.entries.len())
}

// firstIndex is the oldest index still retained anywhere (snapshot or
// entries).
func (l *raftLog) firstIndex() pb.Index {
	if i, ok := l.unstable.maybeFirstIndex(); ok {
		return i
	}
	return 1
}

func (l *raftLog) lastIndex() pb.Index {
	if i, ok := l.unstable.maybeLastIndex(); ok {
		return i
	}
	last, err := l.store.LogLastIndex()
	if err != nil {
		l.logger.Panicf("raftLog: LogLastIndex: %v", err)
	}
	return last
}

func (l *raftLog) lastTerm() pb.Term {
	t, err := l.term(l.lastIndex())
	if err != nil {
		l.logger.Panicf("raftLog: unexpected error computing last term: %v", err)
	}
	return t
}

// term returns the term of entry i: unstable first, then durable. Returns
// ErrCompacted/ErrUnavailable per the taxonomy in spec §4.2.
func (l *raftLog) term(i pb.Index) (pb.Term, error) {
	if i == 0 {
		// Index 0 is the implicit empty-log sentinel, never a real entry.
		return 0, nil
	}
	dummy := l.firstIndex() - 1
	if i < dummy {
		return 0, ErrCompacted
	}
	if i > l.lastIndex() {
		return 0, ErrUnavailable
	}
	if t, ok := l.unstable.maybeTerm(i); ok {
		return t, nil
	}
	bufs, err := l.store.LogRead(i, 1)
	if err != nil {
		return 0, err
	}
	if len(bufs) == 0 {
		return 0, ErrUnavailable
	}
	var e pb.Entry
	if err := e.Unmarshal(bufs[0]); err != nil {
		return 0, err
	}
	return e.Term, nil
}

// slice returns entries in [lo, hi), splicing durable and unstable
// portions and stopping once maxBytes bytes have been collected (0 means
// unlimited).
func (l *raftLog) slice(lo, hi pb.Index, maxBytes uint64) ([]pb.Entry, error) {
	if lo > hi {
		l.logger.Panicf("raftLog: slice: lo %d > hi %d", lo, hi)
	}
	if lo < l.firstIndex() {
		return nil, ErrCompacted
	}
	if hi > l.lastIndex()+1 {
		l.logger.Panicf("raftLog: slice: hi %d out of bound lastIndex %d", hi, l.lastIndex())
	}
	if lo == hi {
		return nil, nil
	}

	var ents []pb.Entry
	unstableFirst := l.unstable.offset
	if lo < unstableFirst {
		storedHi := hi
		if storedHi > unstableFirst {
			storedHi = unstableFirst
		}
		bufs, err := l.store.LogRead(lo, int(storedHi-lo))
		if err != nil {
			return nil, err
		}
		for _, b := range bufs {
			var e pb.Entry
			if err := e.Unmarshal(b); err != nil {
				return nil, err
			}
			ents = append(ents, e)
		}
	}
	if hi > unstableFirst {
		from := lo
		if from < unstableFirst {
			from = unstableFirst
		}
		ents = append(ents, l.unstable.slice(from, hi)...)
	}
	return limitSize(ents, maxBytes), nil
}

func limitSize(ents []pb.Entry, maxBytes uint64) []pb.Entry {
	if maxBytes == noLimit || len(ents) == 0 {
		return ents
	}
	var size uint64
	for i, e := range ents {
		size += uint64(len(e.Data)) + 16
		if size > maxBytes && i != 0 {
			return ents[:i]
		}
	}
	return ents
}

// append appends entries via the unstable tail, returning the new last
// index.
func (l *raftLog) append(ents []pb.Entry) (pb.Index, error) {
	if len(ents) == 0 {
		return l.lastIndex(), nil
	}
	if after := ents[0].Index - 1; after < l.commitIndex {
		l.logger.Panicf("raftLog: append: after(%d) is out of range [committed(%d)]", after, l.commitIndex)
	}
	if err := l.unstable.truncateAndAppend(l.store, ents); err != nil {
		return 0, err
	}
	return l.lastIndex(), nil
}

// commitTo advances commitIndex to i. A value at or below commitIndex is
// ignored, so commitIndex never moves backwards; a value beyond lastIndex
// panics.
func (l *raftLog) commitTo(i pb.Index) {
	if i <= l.commitIndex {
		return
	}
	if l.lastIndex() < i {
		l.logger.Panicf("raftLog: commitTo(%d) is out of range [lastIndex(%d)]", i, l.lastIndex())
	}
	l.commitIndex = i
}

// maybeCommit only advances commit if entry maxIndex is from term - the
// leader-completeness guard against committing a previous leader's
// uncommitted entry merely because it now has a numeric majority match.
func (l *raftLog) maybeCommit(maxIndex pb.Index, term pb.Term) bool {
	if maxIndex <= l.commitIndex {
		return false
	}
	t, err := l.term(maxIndex)
	if err != nil {
		return false
	}
	if t != term {
		return false
	}
	l.commitTo(maxIndex)
	return true
}

// appliedTo advances the applied watermark; applied<=i<=commit always.
func (l *raftLog) appliedTo(i pb.Index) {
	if i == 0 {
		return
	}
	if l.commitIndex < i || i < l.appliedIndex {
		l.logger.Panicf("raftLog: appliedTo(%d) is out of range [applied(%d), committed(%d)]", i, l.appliedIndex, l.commitIndex)
	}
	l.appliedIndex = i
}

func (l *raftLog) stableTo(i pb.Index, term pb.Term) { l.unstable.stableTo(i, term) }
func (l *raftLog) stableSnapTo(i pb.Index)            { l.unstable.stableSnapTo(i) }

// unappliedEntries returns committed-but-not-applied entries, capped by
// maxNextEntsSize.
func (l *raftLog) unappliedEntries() []pb.Entry {
	off := maxIdx(l.appliedIndex+1, l.firstIndex())
	if l.commitIndex+1 <= off {
		return nil
	}
	ents, err := l.slice(off, l.commitIndex+1, l.maxNextEntsSize)
	if err != nil {
		l.logger.Panicf("raftLog: unexpected error retrieving unapplied entries: %v", err)
	}
	return ents
}

func (l *raftLog) hasUnappliedEntries() bool {
	off := maxIdx(l.appliedIndex+1, l.firstIndex())
	return l.commitIndex+1 > off
}

// isUpToDate implements the log-comparison half of the vote grant rule
// (§4.5): candidate's log wins ties by term, then by index.
func (l *raftLog) isUpToDate(lastIndex pb.Index, lastTerm pb.Term) bool {
	myTerm := l.lastTerm()
	return lastTerm > myTerm || (lastTerm == myTerm && lastIndex >= l.lastIndex())
}

// matchTerm reports whether entry i in this log has term `term`.
func (l *raftLog) matchTerm(i pb.Index, term pb.Term) bool {
	t, err := l.term(i)
	if err != nil {
		return false
	}
	return t == term
}

// findConflict scans ents for the first entry whose (index,term) doesn't
// match what is locally stored, returning 0 if there is no conflict.
func (l *raftLog) findConflict(ents []pb.Entry) pb.Index {
	for _, e := range ents {
		if !l.matchTerm(e.Index, e.Term) {
			if e.Index <= l.lastIndex() {
				l.logger.Infof("found conflict at index %d [existing term, conflicting term %d]", e.Index, e.Term)
			}
			return e.Index
		}
	}
	return 0
}

// restore installs a snapshot: clears the unstable log to snapshot.Index,
// and resets commit to at least the snapshot index (applied is caught up
// by the driver once ApplySnapshot/OnRestoreDone return).
func (l *raftLog) restore(snap pb.Snapshot) {
	l.logger.Infof("log starts to restore snapshot [index: %d, term: %d]", snap.Metadata.Index, snap.Metadata.Term)
	l.commitIndex = snap.Metadata.Index
	l.unstable.restore(snap)
}

func (l *raftLog) snapshot() (pb.Snapshot, bool) {
	if l.unstable.snapshot != nil {
		return *l.unstable.snapshot, true
	}
	return pb.Snapshot{}, false
}

// stageSnapshot hands the log a freshly built snapshot (metadata plus
// application bytes) for the next sendSnapshot call to hand out. Called
// by the driver once it notices a peer has fallen behind firstIndex.
func (l *raftLog) stageSnapshot(s pb.Snapshot) { l.unstable.snapshot = &s }

func maxIdx(a, b pb.Index) pb.Index {
	if a > b {
		return a
	}
	return b
}

func minIdx(a, b pb.Index) pb.Index {
	if a < b {
		return a
	}
	return b
}
