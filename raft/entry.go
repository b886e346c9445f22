package raft

import pb "github.com/tdsync/raft/raftpb"

// entryArray is an ordered run of log entries addressed by raft index
// (1-based), not by slice offset. It underlies both the unstable log tail
// and any in-memory durable-store stand-in; position arithmetic always
// goes through firstIndex/lastIndex so callers never touch the backing
// slice's own indexing.
type entryArray struct {
	ents []pb.Entry
}

func newEntryArray() *entryArray {
	return &entryArray{}
}

func (a *entryArray) len() int { return len(a.ents) }

// firstIndex is the raft index of ents[0]; zero if empty.
func (a *entryArray) firstIndex() pb.Index {
	if len(a.ents) == 0 {
		return 0
	}
	return a.ents[0].Index
}

// lastIndex is the raft index of the final entry; zero if empty.
func (a *entryArray) lastIndex() pb.Index {
	if len(a.ents) == 0 {
		return 0
	}
	return a.ents[len(a.ents)-1].Index
}

// termAt returns the term stored at raft index i and true, or false if i
// falls outside the array.
func (a *entryArray) termAt(i pb.Index) (pb.Term, bool) {
	pos, ok := a.posOf(i)
	if !ok {
		return 0, false
	}
	return a.ents[pos].Term, true
}

func (a *entryArray) posOf(i pb.Index) (int, bool) {
	if len(a.ents) == 0 {
		return 0, false
	}
	lo := a.ents[0].Index
	if i < lo || i > a.ents[len(a.ents)-1].Index {
		return 0, false
	}
	return int(i - lo), true
}

// slice returns entries in [lo, hi) by raft index; panics (caller bug) if
// the range falls outside what is stored.
func (a *entryArray) slice(lo, hi pb.Index) []pb.Entry {
	if lo > hi {
		panic("raft: entryArray.slice: lo > hi")
	}
	if len(a.ents) == 0 {
		if lo == hi {
			return nil
		}
		panic("raft: entryArray.slice: empty array")
	}
	first := a.ents[0].Index
	last := a.ents[len(a.ents)-1].Index + 1
	if lo < first || hi > last {
		panic("raft: entryArray.slice: range out of bound")
	}
	return a.ents[lo-first : hi-first]
}

// append adds entries onto the end. Callers are responsible for having
// validated index contiguity (entry.go does not reach across to the log
// facade's truncate semantics).
func (a *entryArray) append(ents ...pb.Entry) {
	a.ents = append(a.ents, ents...)
}

// assign replaces the whole backing slice.
func (a *entryArray) assign(ents []pb.Entry) {
	a.ents = ents
}

// removeBefore drops every entry with index < i.
func (a *entryArray) removeBefore(i pb.Index) {
	pos, ok := a.posOf(i)
	if !ok {
		if len(a.ents) > 0 && i > a.lastIndex() {
			a.ents = nil
		}
		return
	}
	a.ents = a.ents[pos:]
}

// removeAfter drops every entry with index >= i.
func (a *entryArray) removeAfter(i pb.Index) {
	pos, ok := a.posOf(i)
	if !ok {
		if len(a.ents) > 0 && i <= a.firstIndex() {
			a.ents = nil
		}
		return
	}
	a.ents = a.ents[:pos]
}

func (a *entryArray) clear() {
	a.ents = nil
}
