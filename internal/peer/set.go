// Package peer holds the set of peers currently reachable in a session.
package peer

import (
	"slices"

	"github.com/1ureka/relaymesh/internal/protocol"
)

// Set is a unique set of peer ids with deterministic ascending iteration.
// It is owned by a single goroutine and needs no locking.
type Set struct {
	ids map[protocol.PeerID]struct{}
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{ids: make(map[protocol.PeerID]struct{})}
}

// Insert adds id. Returns false if it was already present.
func (s *Set) Insert(id protocol.PeerID) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Erase removes id. Returns false if it was not present.
func (s *Set) Erase(id protocol.PeerID) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	return true
}

// Has reports whether id is a member.
func (s *Set) Has(id protocol.PeerID) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int { return len(s.ids) }

// Clear removes all members.
func (s *Set) Clear() { clear(s.ids) }

// Snapshot returns the members in ascending order. The result is a copy, so
// callers may keep iterating while the set is mutated underneath them.
func (s *Set) Snapshot() []protocol.PeerID {
	out := make([]protocol.PeerID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Except returns the snapshot with every id in skip removed.
func (s *Set) Except(skip ...protocol.PeerID) []protocol.PeerID {
	return slices.DeleteFunc(s.Snapshot(), func(id protocol.PeerID) bool {
		return slices.Contains(skip, id)
	})
}
