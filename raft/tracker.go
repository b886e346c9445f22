package raft

import pb "github.com/tdsync/raft/raftpb"

// VoteResult is the outcome of tallying votes for one half of a (possibly
// joint) voter configuration.
type VoteResult int

const (
	VotePending VoteResult = iota
	VoteLost
	VoteWon
)

// progressTracker owns the membership shape (trackerConfig) and the
// per-peer Progress map, and answers the quorum questions the leader
// needs: is a vote won, what is the commit index, is checkQuorum
// satisfied.
type progressTracker struct {
	config      trackerConfig
	progress    map[pb.NodeId]*Progress
	votes       map[pb.NodeId]bool
	maxInflight int
}

func newProgressTracker(maxInflight int) *progressTracker {
	return &progressTracker{
		config:      newTrackerConfig(),
		progress:    make(map[pb.NodeId]*Progress),
		votes:       make(map[pb.NodeId]bool),
		maxInflight: maxInflight,
	}
}

func (t *progressTracker) isVoter(id pb.NodeId) bool {
	return t.config.voters.incoming.contains(id) || t.config.voters.outgoing.contains(id)
}

func (t *progressTracker) isLearner(id pb.NodeId) bool {
	return t.config.learners.contains(id) || t.config.learnersNext.contains(id)
}

func (t *progressTracker) visit(f func(id pb.NodeId, pr *Progress)) {
	ids := make([]pb.NodeId, 0, len(t.progress))
	for id := range t.progress {
		ids = append(ids, id)
	}
	// Deterministic order keeps broadcast ordering (and therefore test
	// fixtures and logs) stable.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	for _, id := range ids {
		f(id, t.progress[id])
	}
}

// resetVotes clears the current election's ballot box.
func (t *progressTracker) resetVotes() {
	t.votes = make(map[pb.NodeId]bool)
}

// recordVote records id's ballot, first vote wins (a peer can't change its
// mind mid-election from this node's point of view).
func (t *progressTracker) recordVote(id pb.NodeId, granted bool) {
	if _, ok := t.votes[id]; !ok {
		t.votes[id] = granted
	}
}

// tallyVotes reports (granted, rejected, result) across all recorded
// ballots.
func (t *progressTracker) tallyVotes() (granted, rejected int, result VoteResult) {
	for id := range t.votersUnion() {
		v, ok := t.votes[id]
		if !ok {
			continue
		}
		if v {
			granted++
		} else {
			rejected++
		}
	}
	result = t.voteResult(t.votes)
	return granted, rejected, result
}

func (t *progressTracker) votersUnion() nodeSet {
	return t.config.voters.ids()
}

// voteResult computes VoteResult over the current config; a joint config
// needs both halves to win, each half tallied by voteResultForHalf.
func (t *progressTracker) voteResult(votes map[pb.NodeId]bool) VoteResult {
	if !t.config.voters.isJoint() {
		return voteResultForHalf(t.config.voters.incoming, votes)
	}
	in := voteResultForHalf(t.config.voters.incoming, votes)
	out := voteResultForHalf(t.config.voters.outgoing, votes)
	if in == VoteLost || out == VoteLost {
		return VoteLost
	}
	if in == VoteWon && out == VoteWon {
		return VoteWon
	}
	return VotePending
}

func voteResultForHalf(voters nodeSet, votes map[pb.NodeId]bool) VoteResult {
	if len(voters) == 0 {
		return VoteWon
	}
	var granted, rejected int
	for id := range voters {
		v, ok := votes[id]
		if !ok {
			continue
		}
		if v {
			granted++
		} else {
			rejected++
		}
	}
	majority := len(voters)/2 + 1
	if granted >= majority {
		return VoteWon
	}
	if rejected >= majority {
		return VoteLost
	}
	return VotePending
}

// committed computes the leader's prospective commit index: the minimum,
// across joint halves, of the highest index acknowledged by a majority of
// that half. Learners never contribute.
func (t *progressTracker) committed() pb.Index {
	matchOf := func(id pb.NodeId) (pb.Index, bool) {
		pr, ok := t.progress[id]
		if !ok {
			return 0, false
		}
		return pr.Match, true
	}
	inIdx := committedIndex(t.config.voters.incoming, matchOf)
	if !t.config.voters.isJoint() {
		return inIdx
	}
	outIdx := committedIndex(t.config.voters.outgoing, matchOf)
	return minIdx(inIdx, outIdx)
}

// quorumActive reports whether RecentActive covers a majority of each
// voter half, for checkQuorum.
func (t *progressTracker) quorumActive(selfID pb.NodeId) bool {
	active := func(voters nodeSet) bool {
		if len(voters) == 0 {
			return true
		}
		n := 0
		for id := range voters {
			if id == selfID {
				n++
				continue
			}
			if pr, ok := t.progress[id]; ok && pr.RecentActive {
				n++
			}
		}
		return n >= len(voters)/2+1
	}
	return active(t.config.voters.incoming) && active(t.config.voters.outgoing)
}
