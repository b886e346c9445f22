package raft

import (
	"sync"

	pb "github.com/tdsync/raft/raftpb"
)

// memTestStore is a minimal in-memory LogStore for raft-internal tests.
// It intentionally does no buffering tricks so tests can reason about it
// directly.
type memTestStore struct {
	mu   sync.Mutex
	ents map[pb.Index][]byte
	last pb.Index
}

func newMemTestStore() *memTestStore {
	return &memTestStore{ents: make(map[pb.Index][]byte)}
}

func (s *memTestStore) LogWrite(index pb.Index, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ents[index] = append([]byte(nil), buf...)
	if index > s.last {
		s.last = index
	}
	return nil
}

func (s *memTestStore) LogRead(from pb.Index, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for i := 0; i < limit; i++ {
		idx := from + pb.Index(i)
		buf, ok := s.ents[idx]
		if !ok {
			break
		}
		out = append(out, buf)
	}
	return out, nil
}

func (s *memTestStore) LogCommit(index pb.Index) error { return nil }

func (s *memTestStore) LogPrune(before pb.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.ents {
		if idx < before {
			delete(s.ents, idx)
		}
	}
	return nil
}

func (s *memTestStore) LogTruncate(from pb.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.ents {
		if idx >= from {
			delete(s.ents, idx)
		}
	}
	if s.last >= from {
		s.last = from - 1
	}
	return nil
}

func (s *memTestStore) LogLastIndex() (pb.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

// memTestStateManager is a minimal in-memory StateManager.
type memTestStateManager struct {
	mu  sync.Mutex
	ss  pb.ServerState
	cs  pb.ConfState
}

func newMemTestStateManager() *memTestStateManager { return &memTestStateManager{} }

func (m *memTestStateManager) SaveServerState(ss pb.ServerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ss = ss
	return nil
}

func (m *memTestStateManager) ReadServerState() (pb.ServerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ss, nil
}

func (m *memTestStateManager) SaveClusterState(cs pb.ConfState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cs = cs
	return nil
}

func (m *memTestStateManager) ReadClusterState() (pb.ConfState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cs, nil
}

// testFSM records what it's been told, for assertions in node_test.go.
type testFSM struct {
	mu      sync.Mutex
	applied [][]byte
	confs   []pb.ConfState
	roles   []NodeRole
}

func newTestFSM() *testFSM { return &testFSM{} }

func (f *testFSM) ApplyLog(index pb.Index, data []byte, cookie uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, append([]byte(nil), data...))
	return nil
}

func (f *testFSM) OnClusterChanged(cs pb.ConfState, cookie uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confs = append(f.confs, cs)
}

func (f *testFSM) GetSnapshot() ([]byte, int32, bool, error) { return nil, 0, true, nil }

func (f *testFSM) ApplySnapshot(data []byte, objID int32, isLast bool) error { return nil }

func (f *testFSM) OnRestoreDone() {}

func (f *testFSM) OnRollback(index pb.Index, data []byte) {}

func (f *testFSM) OnRoleChanged(nodes []NodeRole) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = append([]NodeRole(nil), nodes...)
}

func (f *testFSM) Applied() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.applied))
	copy(out, f.applied)
	return out
}

var _ LogStore = (*memTestStore)(nil)
var _ StateManager = (*memTestStateManager)(nil)
var _ FSM = (*testFSM)(nil)

// testConfig builds a Config wired to fresh in-memory stores with a fixed
// random source, so election timeouts in tests are deterministic.
func testConfig(id pb.NodeId, peers []pb.NodeId) *Config {
	return &Config{
		ID:              id,
		GroupID:         1,
		ElectionTick:    10,
		HeartbeatTick:   1,
		MaxInflightMsgs: 256,
		MaxSizePerMsg:   1 << 20,
		PreVote:         true,
		CheckQuorum:     true,
		Peers:           peers,
		Logger:          discardLogger{},
		Rand:            fixedRand(0),
	}
}

func newTestRaft(id pb.NodeId, peers []pb.NodeId) *raft {
	return newRaft(testConfig(id, peers), newMemTestStore(), newMemTestStateManager())
}

// readMessages drains and returns r's outbound queue.
func readMessages(r *raft) []pb.Message {
	msgs := r.msgs
	r.msgs = nil
	return msgs
}
