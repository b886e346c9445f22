package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	pb "github.com/tdsync/raft/raftpb"
)

func TestUnstableMaybeLastIndexFallsBackToSnapshot(t *testing.T) {
	u := newUnstableLog(1, discardLogger{})
	_, ok := u.maybeLastIndex()
	require.False(t, ok)

	u.restore(pb.Snapshot{Metadata: pb.SnapshotMetadata{Index: 5, Term: 1}})
	last, ok := u.maybeLastIndex()
	require.True(t, ok)
	require.Equal(t, pb.Index(5), last)
}

func TestUnstableTruncateAndAppendAppendsContiguous(t *testing.T) {
	store := newMemTestStore()
	u := newUnstableLog(1, discardLogger{})

	require.NoError(t, u.truncateAndAppend(store, mkEntries(1, 4, 1)))
	// writeThrough stables what it wrote, so the tail is empty past index 3.
	require.Equal(t, 0, u.entries.len())
	require.Equal(t, pb.Index(4), u.offset)

	bufs, err := store.LogRead(1, 3)
	require.NoError(t, err)
	require.Len(t, bufs, 3)
}

func TestUnstableTruncateAndAppendReplacesFromBehind(t *testing.T) {
	store := newMemTestStore()
	u := newUnstableLog(1, discardLogger{})
	require.NoError(t, u.truncateAndAppend(store, mkEntries(1, 5, 1)))

	// A leader at a new term overwrites from index 3 onward.
	require.NoError(t, u.truncateAndAppend(store, mkEntries(3, 6, 2)))
	bufs, err := store.LogRead(3, 1)
	require.NoError(t, err)
	var e pb.Entry
	require.NoError(t, e.Unmarshal(bufs[0]))
	require.Equal(t, pb.Term(2), e.Term)
	last, err := store.LogLastIndex()
	require.NoError(t, err)
	require.Equal(t, pb.Index(5), last)
}

func TestUnstableTruncateAndAppendReplacesEntirely(t *testing.T) {
	store := newMemTestStore()
	u := newUnstableLog(5, discardLogger{})
	require.NoError(t, u.truncateAndAppend(store, mkEntries(5, 8, 1)))

	// New entries start before offset: everything held is discarded.
	require.NoError(t, u.truncateAndAppend(store, mkEntries(2, 4, 2)))
	require.Equal(t, pb.Index(4), u.offset)
	last, err := store.LogLastIndex()
	require.NoError(t, err)
	require.Equal(t, pb.Index(3), last)
}

func TestUnstableStableToIgnoresStaleTerm(t *testing.T) {
	store := newMemTestStore()
	u := newUnstableLog(1, discardLogger{})
	require.NoError(t, u.truncateAndAppend(store, mkEntries(1, 4, 1)))

	// stableTo already ran as part of truncateAndAppend (writeThrough); a
	// stale notification with a mismatched term must not mutate offset again.
	before := u.offset
	u.stableTo(3, 99)
	require.Equal(t, before, u.offset)
}

func TestUnstableRestoreClearsEntries(t *testing.T) {
	store := newMemTestStore()
	u := newUnstableLog(1, discardLogger{})
	require.NoError(t, u.truncateAndAppend(store, mkEntries(1, 4, 1)))

	u.restore(pb.Snapshot{Metadata: pb.SnapshotMetadata{Index: 10, Term: 3}})
	require.Equal(t, 0, u.entries.len())
	require.Equal(t, pb.Index(11), u.offset)
}
