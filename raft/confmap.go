package raft

import (
	"sort"

	pb "github.com/tdsync/raft/raftpb"
)

// nodeSet is a set of node ids, used for both voter and learner halves of
// a configuration.
type nodeSet map[pb.NodeId]struct{}

func newNodeSet(ids ...pb.NodeId) nodeSet {
	s := make(nodeSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s nodeSet) contains(id pb.NodeId) bool {
	_, ok := s[id]
	return ok
}

func (s nodeSet) add(id pb.NodeId)    { s[id] = struct{}{} }
func (s nodeSet) remove(id pb.NodeId) { delete(s, id) }

func (s nodeSet) clone() nodeSet {
	out := make(nodeSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// slice returns the ids in ascending order, for deterministic iteration
// (log output, test fixtures).
func (s nodeSet) slice() []pb.NodeId {
	out := make([]pb.NodeId, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// votersConfig is the joint-consensus voter shape: incoming is the
// configuration in effect (or being transitioned to); outgoing is
// non-empty only while a joint change is pending.
type votersConfig struct {
	incoming nodeSet
	outgoing nodeSet
}

func (v votersConfig) isJoint() bool { return len(v.outgoing) > 0 }

// ids returns the union of both halves, for iterating "every voter
// anywhere in the config" (e.g. to send Vote requests to).
func (v votersConfig) ids() nodeSet {
	out := v.incoming.clone()
	for id := range v.outgoing {
		out.add(id)
	}
	return out
}

// trackerConfig bundles the full membership shape persisted in a
// pb.ConfState: joint voters plus both learner sets and the auto-leave
// flag.
type trackerConfig struct {
	voters       votersConfig
	learners     nodeSet
	learnersNext nodeSet
	autoLeave    bool
}

func newTrackerConfig() trackerConfig {
	return trackerConfig{
		voters:       votersConfig{incoming: newNodeSet(), outgoing: newNodeSet()},
		learners:     newNodeSet(),
		learnersNext: newNodeSet(),
	}
}

func (c trackerConfig) clone() trackerConfig {
	return trackerConfig{
		voters: votersConfig{
			incoming: c.voters.incoming.clone(),
			outgoing: c.voters.outgoing.clone(),
		},
		learners:     c.learners.clone(),
		learnersNext: c.learnersNext.clone(),
		autoLeave:    c.autoLeave,
	}
}

// toConfState serializes the in-memory shape for persistence.
func (c trackerConfig) toConfState() pb.ConfState {
	return pb.ConfState{
		Voters:         c.voters.incoming.slice(),
		Learners:       c.learners.slice(),
		VotersOutgoing: c.voters.outgoing.slice(),
		LearnersNext:   c.learnersNext.slice(),
		AutoLeave:      c.autoLeave,
	}
}

func trackerConfigFromConfState(cs pb.ConfState) trackerConfig {
	return trackerConfig{
		voters: votersConfig{
			incoming: newNodeSet(cs.Voters...),
			outgoing: newNodeSet(cs.VotersOutgoing...),
		},
		learners:     newNodeSet(cs.Learners...),
		learnersNext: newNodeSet(cs.LearnersNext...),
		autoLeave:    cs.AutoLeave,
	}
}

// committedIndex computes, for one half of the joint voter config, the
// highest index for which {id | match(id) >= idx} forms a strict majority.
// An empty half (not joint) contributes no constraint and reports 0, which
// committed() treats specially so it never clamps the real answer down.
func committedIndex(voters nodeSet, matchOf func(pb.NodeId) (pb.Index, bool)) pb.Index {
	n := len(voters)
	if n == 0 {
		return 0
	}
	matches := make([]pb.Index, 0, n)
	for id := range voters {
		if m, ok := matchOf(id); ok {
			matches = append(matches, m)
		} else {
			matches = append(matches, 0)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })
	// The quorum index is the largest value held by a strict majority:
	// sorted ascending, that's the (n - majority)-th smallest, i.e.
	// index (n-1)/2 from the start (0-based) once floor(n/2)+1 is the
	// majority size.
	return matches[(n-1)/2]
}
