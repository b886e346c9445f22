// Package store provides a reference LogStore/StateManager pair backed
// by github.com/Connor1996/badger, the engine the teacher project keeps
// under kv/raftstore for all of its own persistent state. The raft core
// never imports this package directly; it only depends on the
// raft.LogStore/raft.StateManager interfaces this package satisfies.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/Connor1996/badger"

	"github.com/tdsync/raft/raft"
	pb "github.com/tdsync/raft/raftpb"
)

// Key layout, one badger instance per raft group:
//
//	l<index:8>        -> marshaled pb.Entry bytes, for index <= lastIndex
//	meta:last-index    -> big-endian uint64
//	meta:server-state  -> marshaled pb.ServerState
//	meta:cluster-state -> marshaled pb.ConfState
var (
	logPrefix        = []byte("l")
	keyLastIndex     = []byte("meta:last-index")
	keyServerState   = []byte("meta:server-state")
	keyClusterState  = []byte("meta:cluster-state")
)

func logKey(index pb.Index) []byte {
	key := make([]byte, len(logPrefix)+8)
	copy(key, logPrefix)
	binary.BigEndian.PutUint64(key[len(logPrefix):], uint64(index))
	return key
}

// BadgerLogStore implements raft.LogStore on top of one badger.DB per
// raft group.
type BadgerLogStore struct {
	db *badger.DB
}

// OpenBadgerLogStore opens (creating if absent) a badger instance rooted
// at dir, mirroring the teacher's practice of one badger.DB per engine
// role rather than sharing a single instance across concerns.
func OpenBadgerLogStore(dir string) (*BadgerLogStore, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger log store at %s: %w", dir, err)
	}
	return &BadgerLogStore{db: db}, nil
}

func (s *BadgerLogStore) Close() error { return s.db.Close() }

func (s *BadgerLogStore) LogWrite(index pb.Index, buf []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(logKey(index), buf); err != nil {
			return err
		}
		return setUint64(txn, keyLastIndex, uint64(index))
	})
}

func (s *BadgerLogStore) LogRead(from pb.Index, limit int) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for i := 0; i < limit; i++ {
			item, err := txn.Get(logKey(from + pb.Index(i)))
			if err == badger.ErrKeyNotFound {
				break
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, val)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerLogStore) LogCommit(index pb.Index) error {
	// Every LogWrite already commits its own badger transaction; this
	// store has no separate write-ahead buffer to flush.
	return nil
}

func (s *BadgerLogStore) LogPrune(before pb.Index) error {
	last, err := s.LogLastIndex()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for i := pb.Index(1); i < before && i <= last; i++ {
			if err := txn.Delete(logKey(i)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerLogStore) LogTruncate(from pb.Index) error {
	last, err := s.LogLastIndex()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for i := from; i <= last; i++ {
			if err := txn.Delete(logKey(i)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return setUint64(txn, keyLastIndex, uint64(from-1))
	})
}

func (s *BadgerLogStore) LogLastIndex() (pb.Index, error) {
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyLastIndex)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		last = binary.BigEndian.Uint64(val)
		return nil
	})
	return pb.Index(last), err
}

// BadgerStateManager implements raft.StateManager on the same kind of
// badger instance, kept as a distinct type (even though it could share
// the log's *badger.DB) so a deployment is free to put hard state on a
// faster device than bulk log entries.
type BadgerStateManager struct {
	db *badger.DB
}

func OpenBadgerStateManager(dir string) (*BadgerStateManager, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger state manager at %s: %w", dir, err)
	}
	return &BadgerStateManager{db: db}, nil
}

func (s *BadgerStateManager) Close() error { return s.db.Close() }

func (s *BadgerStateManager) SaveServerState(ss pb.ServerState) error {
	buf, err := ss.Marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error { return txn.Set(keyServerState, buf) })
}

func (s *BadgerStateManager) ReadServerState() (pb.ServerState, error) {
	var ss pb.ServerState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyServerState)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return ss.Unmarshal(val)
	})
	return ss, err
}

func (s *BadgerStateManager) SaveClusterState(cs pb.ConfState) error {
	buf, err := (&cs).Marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error { return txn.Set(keyClusterState, buf) })
}

func (s *BadgerStateManager) ReadClusterState() (pb.ConfState, error) {
	var cs pb.ConfState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyClusterState)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return (&cs).Unmarshal(val)
	})
	return cs, err
}

func setUint64(txn *badger.Txn, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return txn.Set(key, buf)
}

var (
	_ raft.LogStore     = (*BadgerLogStore)(nil)
	_ raft.StateManager = (*BadgerStateManager)(nil)
)
