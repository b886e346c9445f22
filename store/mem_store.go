package store

import (
	"sync"

	"github.com/tdsync/raft/raft"
	pb "github.com/tdsync/raft/raftpb"
)

// MemLogStore is a LogStore backed by a plain slice, for tests and the
// cmd/raftctl demo cluster where spinning up badger per node would be
// needless ceremony.
type MemLogStore struct {
	mu   sync.Mutex
	ents [][]byte // ents[i] holds the marshaled entry at index i+1
}

func NewMemLogStore() *MemLogStore { return &MemLogStore{} }

func (m *MemLogStore) LogWrite(index pb.Index, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := int(index) - 1
	for i >= len(m.ents) {
		m.ents = append(m.ents, nil)
	}
	m.ents[i] = buf
	return nil
}

func (m *MemLogStore) LogRead(from pb.Index, limit int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for i := 0; i < limit; i++ {
		idx := int(from) - 1 + i
		if idx < 0 || idx >= len(m.ents) || m.ents[idx] == nil {
			break
		}
		out = append(out, m.ents[idx])
	}
	return out, nil
}

func (m *MemLogStore) LogCommit(index pb.Index) error { return nil }

func (m *MemLogStore) LogPrune(before pb.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < int(before)-1 && i < len(m.ents); i++ {
		m.ents[i] = nil
	}
	return nil
}

func (m *MemLogStore) LogTruncate(from pb.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := int(from) - 1
	if i < 0 {
		i = 0
	}
	if i < len(m.ents) {
		m.ents = m.ents[:i]
	}
	return nil
}

func (m *MemLogStore) LogLastIndex() (pb.Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.ents) - 1; i >= 0; i-- {
		if m.ents[i] != nil {
			return pb.Index(i + 1), nil
		}
	}
	return 0, nil
}

// MemStateManager is an in-memory StateManager counterpart to
// MemLogStore.
type MemStateManager struct {
	mu    sync.Mutex
	ss    pb.ServerState
	cs    pb.ConfState
}

func NewMemStateManager() *MemStateManager { return &MemStateManager{} }

func (m *MemStateManager) SaveServerState(ss pb.ServerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ss = ss
	return nil
}

func (m *MemStateManager) ReadServerState() (pb.ServerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ss, nil
}

func (m *MemStateManager) SaveClusterState(cs pb.ConfState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cs = cs
	return nil
}

func (m *MemStateManager) ReadClusterState() (pb.ConfState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cs, nil
}

var (
	_ raft.LogStore     = (*MemLogStore)(nil)
	_ raft.StateManager = (*MemStateManager)(nil)
)
