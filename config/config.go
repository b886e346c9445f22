// Package config loads the tuning knobs for one raft group from a TOML
// file and turns them into a raft.Config.
package config

import (
	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pingcap/errors"

	"github.com/tdsync/raft/raft"
	pb "github.com/tdsync/raft/raftpb"
)

// Config is the on-disk shape; byte-size fields accept human-readable
// strings ("1MB", "512KB") the way the teacher's store config does for
// region size and rocksdb block cache knobs.
type Config struct {
	NodeID  int32 `toml:"node-id"`
	GroupID int32 `toml:"group-id"`

	ElectionTick  int `toml:"election-tick"`
	HeartbeatTick int `toml:"heartbeat-tick"`

	MaxSizePerMsg   string `toml:"max-size-per-msg"`
	MaxInflightMsgs int    `toml:"max-inflight-msgs"`

	PreVote     bool `toml:"pre-vote"`
	CheckQuorum bool `toml:"check-quorum"`

	Peers    []int32 `toml:"peers"`
	Learners []int32 `toml:"learners"`
}

// Default mirrors the teacher's practice of shipping a sane baseline.
// NodeID has no default, so Validate rejects Default() until node-id is
// set.
func Default() *Config {
	return &Config{
		ElectionTick:    10,
		HeartbeatTick:   1,
		MaxSizePerMsg:   "1MB",
		MaxInflightMsgs: 256,
		PreVote:         true,
		CheckQuorum:     true,
	}
}

// Load parses path as TOML on top of Default() and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Annotatef(err, "config: decode %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks field combinations the way the teacher's
// Config.validate() does: cheap, local, no I/O.
func (c *Config) Validate() error {
	if c.NodeID == 0 {
		return errors.New("config: node-id must be set")
	}
	if c.HeartbeatTick <= 0 {
		return errors.New("config: heartbeat-tick must be greater than 0")
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return errors.New("config: election-tick must be greater than heartbeat-tick")
	}
	if _, err := units.RAMInBytes(c.MaxSizePerMsg); err != nil {
		return errors.Annotate(err, "config: max-size-per-msg")
	}
	return nil
}

// ToRaftConfig converts the TOML shape into the raft package's runtime
// Config, the one piece of translation between persisted configuration
// and the in-memory core.
func (c *Config) ToRaftConfig() (*raft.Config, error) {
	maxSize, err := units.RAMInBytes(c.MaxSizePerMsg)
	if err != nil {
		return nil, errors.Annotate(err, "config: max-size-per-msg")
	}
	peers := make([]pb.NodeId, len(c.Peers))
	for i, p := range c.Peers {
		peers[i] = pb.NodeId(p)
	}
	learners := make([]pb.NodeId, len(c.Learners))
	for i, l := range c.Learners {
		learners[i] = pb.NodeId(l)
	}
	return &raft.Config{
		ID:              pb.NodeId(c.NodeID),
		GroupID:         pb.GroupId(c.GroupID),
		ElectionTick:    c.ElectionTick,
		HeartbeatTick:   c.HeartbeatTick,
		MaxSizePerMsg:   uint64(maxSize),
		MaxInflightMsgs: c.MaxInflightMsgs,
		PreVote:         c.PreVote,
		CheckQuorum:     c.CheckQuorum,
		Peers:           peers,
		Learners:        learners,
	}, nil
}
