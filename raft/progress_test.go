package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	pb "github.com/tdsync/raft/raftpb"
)

func TestInflightsAddAndFreeLE(t *testing.T) {
	in := newInflights(3)
	in.add(1)
	in.add(2)
	in.add(3)
	require.True(t, in.full())

	require.Panics(t, func() { in.add(4) })

	in.freeLE(2)
	require.False(t, in.full())
	in.add(4)
	require.Equal(t, 2, in.count)
}

func TestInflightsFreeLEBelowFirstIsNoop(t *testing.T) {
	in := newInflights(3)
	in.add(5)
	in.freeLE(1)
	require.Equal(t, 1, in.count)
}

func TestProgressBecomeProbeFromSnapshot(t *testing.T) {
	pr := newProgress(1, 10, false)
	pr.Match = 5
	pr.becomeSnapshot(9)
	require.Equal(t, ProgressStateSnapshot, pr.State)

	pr.becomeProbe()
	require.Equal(t, ProgressStateProbe, pr.State)
	require.Equal(t, pb.Index(10), pr.Next) // max(match+1, pendingSnapshot+1)
}

func TestProgressMaybeUpdate(t *testing.T) {
	pr := newProgress(1, 10, false)
	pr.Paused = true

	updated := pr.maybeUpdate(5)
	require.True(t, updated)
	require.Equal(t, pb.Index(5), pr.Match)
	require.Equal(t, pb.Index(6), pr.Next)
	require.False(t, pr.Paused)

	require.False(t, pr.maybeUpdate(3)) // stale ack does not regress match
	require.Equal(t, pb.Index(5), pr.Match)
}

func TestProgressMaybeDecrToReplicateOnlyRetreatsOnceBelowMatch(t *testing.T) {
	pr := newProgress(10, 10, false)
	pr.becomeReplicate()
	pr.Match = 5

	require.False(t, pr.maybeDecrTo(4, 4)) // rejected index already below match: stale
	require.True(t, pr.maybeDecrTo(7, 4))
	require.Equal(t, pb.Index(6), pr.Next)
}

func TestProgressMaybeDecrToProbeBisectsUsingHint(t *testing.T) {
	pr := newProgress(10, 10, false)
	// Probe state: Next-1 must equal rejected for the hint to apply.
	require.True(t, pr.maybeDecrTo(9, 3))
	require.Equal(t, pb.Index(4), pr.Next) // min(rejected, hint+1), floored at match+1
	require.False(t, pr.Paused)
}

func TestProgressIsPaused(t *testing.T) {
	pr := newProgress(1, 1, false)
	require.False(t, pr.isPaused())
	pr.Paused = true
	require.True(t, pr.isPaused())

	pr.becomeReplicate()
	require.False(t, pr.isPaused())
	pr.inflights.add(1)
	require.True(t, pr.isPaused()) // inflight window (size 1) now full

	pr.becomeSnapshot(5)
	require.True(t, pr.isPaused())
}

func TestProgressNeedsSnapshotAbort(t *testing.T) {
	pr := newProgress(1, 10, false)
	pr.becomeSnapshot(5)
	require.False(t, pr.needsSnapshotAbort())
	pr.Match = 5
	require.True(t, pr.needsSnapshotAbort())
}
