package store

import (
	"sync"

	"github.com/tdsync/raft/raft"
	pb "github.com/tdsync/raft/raftpb"
)

// MemFSM is a minimal raft.FSM that just remembers every entry it has
// applied, for the cmd/raftctl demo cluster and for tests that need a
// real (if trivial) application behind the log.
type MemFSM struct {
	mu      sync.Mutex
	applied [][]byte
	roles   []raft.NodeRole
	confs   []pb.ConfState
}

func NewMemFSM() *MemFSM { return &MemFSM{} }

func (f *MemFSM) ApplyLog(index pb.Index, data []byte, cookie uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.applied = append(f.applied, cp)
	return nil
}

func (f *MemFSM) OnClusterChanged(cs pb.ConfState, cookie uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confs = append(f.confs, cs)
}

func (f *MemFSM) GetSnapshot() (data []byte, objID int32, isLast bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, 0)
	for _, e := range f.applied {
		out = append(out, e...)
	}
	return out, 0, true, nil
}

func (f *MemFSM) ApplySnapshot(data []byte, objID int32, isLast bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, append([]byte(nil), data...))
	return nil
}

func (f *MemFSM) OnRestoreDone() {}

func (f *MemFSM) OnRollback(index pb.Index, data []byte) {}

func (f *MemFSM) OnRoleChanged(nodes []raft.NodeRole) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = append([]raft.NodeRole(nil), nodes...)
}

// Applied returns a copy of every payload applied so far, in order.
func (f *MemFSM) Applied() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.applied))
	copy(out, f.applied)
	return out
}

// Roles returns the last reported role set.
func (f *MemFSM) Roles() []raft.NodeRole {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]raft.NodeRole(nil), f.roles...)
}

var _ raft.FSM = (*MemFSM)(nil)
