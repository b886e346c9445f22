package raft

import (
	"fmt"

	pb "github.com/tdsync/raft/raftpb"
)

// changer applies a batch of ConfChangeSingle operations against a
// trackerConfig + progress map, producing the next shape. It is also how
// restore() at startup rebuilds state from a persisted ConfState: both
// paths go through the same apply logic so "restart" and "steady state"
// can never diverge.
type changer struct {
	tracker   *progressTracker
	lastIndex pb.Index
}

// simple applies a batch that does not require joint consensus (i.e. the
// resulting membership is a direct, non-transitional change). It is the
// fast path used when EnterJoint would be unnecessary ceremony.
func (c *changer) simple(ccs []pb.ConfChangeSingle) (trackerConfig, map[pb.NodeId]*Progress, error) {
	cfg, prs, err := c.checkAndCopy()
	if err != nil {
		return trackerConfig{}, nil, err
	}
	if joint(cfg) {
		return trackerConfig{}, nil, fmt.Errorf("raft: can't apply simple config change in joint config")
	}
	if err := c.apply(&cfg, prs, ccs); err != nil {
		return trackerConfig{}, nil, err
	}
	if n := symdiffLen(cfg.voters.incoming, c.tracker.config.voters.incoming); n > 1 {
		return trackerConfig{}, nil, fmt.Errorf("raft: more than one voter changed without entering joint config")
	}
	return cfg, prs, nil
}

// enterJoint copies incoming into outgoing, applies the batch to
// incoming, and marks the tracker joint. autoLeave is recorded in the
// config and its ConfState; the core does not propose the leaving entry
// itself, so a joint config is left only when an empty ConfChange is
// applied (see leaveJoint).
func (c *changer) enterJoint(autoLeave bool, ccs []pb.ConfChangeSingle) (trackerConfig, map[pb.NodeId]*Progress, error) {
	cfg, prs, err := c.checkAndCopy()
	if err != nil {
		return trackerConfig{}, nil, err
	}
	if joint(cfg) {
		return trackerConfig{}, nil, fmt.Errorf("raft: config is already joint")
	}
	if len(cfg.voters.incoming) == 0 {
		return trackerConfig{}, nil, fmt.Errorf("raft: can't make a zero-voter config joint")
	}
	cfg.voters.outgoing = cfg.voters.incoming.clone()
	if err := c.apply(&cfg, prs, ccs); err != nil {
		return trackerConfig{}, nil, err
	}
	cfg.autoLeave = autoLeave
	return cfg, prs, nil
}

// leaveJoint clears outgoing, folds learnersNext into learners, and drops
// autoLeave.
func (c *changer) leaveJoint() (trackerConfig, map[pb.NodeId]*Progress, error) {
	cfg, prs, err := c.checkAndCopy()
	if err != nil {
		return trackerConfig{}, nil, err
	}
	if !joint(cfg) {
		return trackerConfig{}, nil, fmt.Errorf("raft: can't leave a non-joint config")
	}
	for id := range cfg.learnersNext {
		cfg.learners.add(id)
		prs[id].IsLearner = true
	}
	cfg.learnersNext = newNodeSet()
	cfg.voters.outgoing = newNodeSet()
	cfg.autoLeave = false
	return cfg, prs, nil
}

func joint(cfg trackerConfig) bool { return cfg.voters.isJoint() }

func (c *changer) checkAndCopy() (trackerConfig, map[pb.NodeId]*Progress, error) {
	cfg := c.tracker.config.clone()
	prs := make(map[pb.NodeId]*Progress, len(c.tracker.progress))
	for id, pr := range c.tracker.progress {
		cp := *pr
		cp.inflights = pr.inflights
		prs[id] = &cp
	}
	return cfg, prs, nil
}

// apply runs each ConfChangeSingle op against cfg/prs in order. It rejects
// an unknown op type and a result with no incoming voters; it does not
// check whether a node is both promoted and demoted within one batch, nor
// whether each transition is legal from the node's current shape.
func (c *changer) apply(cfg *trackerConfig, prs map[pb.NodeId]*Progress, ccs []pb.ConfChangeSingle) error {
	for _, cc := range ccs {
		if cc.NodeId == pb.None {
			continue
		}
		switch cc.Type {
		case pb.ConfChangeAddNode:
			c.makeVoter(cfg, prs, cc.NodeId)
		case pb.ConfChangeAddLearnerNode, pb.ConfChangeAddLearnerNode2:
			c.makeLearner(cfg, prs, cc.NodeId)
		case pb.ConfChangeRemoveNode:
			c.remove(cfg, prs, cc.NodeId)
		case pb.ConfChangePromoteLearner:
			c.makeVoter(cfg, prs, cc.NodeId)
		default:
			return fmt.Errorf("raft: unknown conf change type %v", cc.Type)
		}
	}
	if len(cfg.voters.incoming) == 0 {
		return fmt.Errorf("raft: removed all voters")
	}
	return nil
}

func (c *changer) initProgress(cfg *trackerConfig, prs map[pb.NodeId]*Progress, id pb.NodeId, isLearner bool) {
	if _, ok := prs[id]; ok {
		return
	}
	if !isLearner {
		cfg.voters.incoming.add(id)
	} else {
		cfg.learners.add(id)
	}
	prs[id] = &Progress{
		Next:      maxIdx(c.lastIndex, 1),
		Match:     0,
		IsLearner: isLearner,
		inflights: newInflights(c.tracker.maxInflight),
	}
}

func (c *changer) makeVoter(cfg *trackerConfig, prs map[pb.NodeId]*Progress, id pb.NodeId) {
	pr, ok := prs[id]
	if !ok {
		c.initProgress(cfg, prs, id, false)
		return
	}
	pr.IsLearner = false
	cfg.learners.remove(id)
	cfg.learnersNext.remove(id)
	cfg.voters.incoming.add(id)
}

func (c *changer) makeLearner(cfg *trackerConfig, prs map[pb.NodeId]*Progress, id pb.NodeId) {
	pr, ok := prs[id]
	if !ok {
		c.initProgress(cfg, prs, id, true)
		return
	}
	if pr.IsLearner {
		return
	}
	c.remove(cfg, prs, id)
	prs[id] = pr
	pr.IsLearner = true
	if !joint(*cfg) {
		cfg.learners.add(id)
	} else {
		// Mid-joint-transition demotions land in learnersNext so they
		// only take effect once the transition leaves joint state.
		cfg.learnersNext.add(id)
	}
}

func (c *changer) remove(cfg *trackerConfig, prs map[pb.NodeId]*Progress, id pb.NodeId) {
	if _, ok := prs[id]; !ok {
		return
	}
	cfg.voters.incoming.remove(id)
	cfg.learners.remove(id)
	cfg.learnersNext.remove(id)

	// If the node is still a voter in the outgoing half of a joint
	// config, its Progress must survive until the config leaves joint
	// state.
	if !cfg.voters.outgoing.contains(id) {
		delete(prs, id)
	}
}

func symdiffLen(a, b nodeSet) int {
	n := 0
	for id := range a {
		if !b.contains(id) {
			n++
		}
	}
	for id := range b {
		if !a.contains(id) {
			n++
		}
	}
	return n
}

// restoreConfig rebuilds a changer's target shape from a persisted
// ConfState by diffing it against an empty starting config and replaying
// the implied adds, so a freshly restarted node reaches the exact same
// state a node that had applied the changes live would be in.
func restoreConfig(tracker *progressTracker, cs pb.ConfState, lastIndex pb.Index) (trackerConfig, map[pb.NodeId]*Progress, error) {
	c := &changer{tracker: tracker, lastIndex: lastIndex}
	if !cs.IsJoint() {
		var ccs []pb.ConfChangeSingle
		for _, id := range cs.Voters {
			ccs = append(ccs, pb.ConfChangeSingle{Type: pb.ConfChangeAddNode, NodeId: id})
		}
		for _, id := range cs.Learners {
			ccs = append(ccs, pb.ConfChangeSingle{Type: pb.ConfChangeAddLearnerNode, NodeId: id})
		}
		if len(ccs) == 0 {
			return c.tracker.config.clone(), map[pb.NodeId]*Progress{}, nil
		}
		// Restoring a multi-voter ConfState batches every implied add into
		// one call; going through simple() here would trip its
		// at-most-one-voter-change guard (meant for live config changes,
		// not for replaying a persisted snapshot), so apply directly.
		cfg, prs, err := c.checkAndCopy()
		if err != nil {
			return trackerConfig{}, nil, err
		}
		if err := c.apply(&cfg, prs, ccs); err != nil {
			return trackerConfig{}, nil, err
		}
		return cfg, prs, nil
	}

	// Build the outgoing voters as a plain config, move them to outgoing,
	// then add the incoming voters and both learner sets on top.
	var ccs []pb.ConfChangeSingle
	for _, id := range cs.VotersOutgoing {
		ccs = append(ccs, pb.ConfChangeSingle{Type: pb.ConfChangeAddNode, NodeId: id})
	}
	cfg, prs, _ := c.checkAndCopy()
	if err := c.apply(&cfg, prs, ccs); err != nil {
		return trackerConfig{}, nil, err
	}
	cfg.voters.outgoing, cfg.voters.incoming = cfg.voters.incoming, newNodeSet()
	ccs = nil
	for _, id := range cs.Voters {
		ccs = append(ccs, pb.ConfChangeSingle{Type: pb.ConfChangeAddNode, NodeId: id})
	}
	for _, id := range cs.Learners {
		ccs = append(ccs, pb.ConfChangeSingle{Type: pb.ConfChangeAddLearnerNode, NodeId: id})
	}
	for _, id := range cs.LearnersNext {
		ccs = append(ccs, pb.ConfChangeSingle{Type: pb.ConfChangeAddLearnerNode, NodeId: id})
	}
	if err := c.apply(&cfg, prs, ccs); err != nil {
		return trackerConfig{}, nil, err
	}
	cfg.autoLeave = cs.AutoLeave
	return cfg, prs, nil
}
