// Package store holds the ordered message log of a chat session.
package store

import (
	"slices"
	"sync"
	"time"

	"github.com/omochice/peerchat/pkg/protocol"
)

// Store is an insertion-ordered sequence of messages. It is mutated by a
// single owner and may be read concurrently.
type Store struct {
	mu       sync.RWMutex
	messages []protocol.Message
}

// New creates an empty Store.
func New() *Store {
	return &Store{}
}

// Append adds one message to the end of the sequence.
func (s *Store) Append(m protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// ReplaceAll discards the sequence and installs ms verbatim, in the given order.
func (s *Store) ReplaceAll(ms []protocol.Message) {
	replaced := make([]protocol.Message, len(ms))
	copy(replaced, ms)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = replaced
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// All returns a copy of the sequence in insertion order.
func (s *Store) All() []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// View returns the conversation between local and peer in either direction,
// sorted ascending by timestamp. Messages with equal timestamps keep their
// insertion order; unparseable timestamps sort first. The result is a fresh
// copy and the stored order is never changed.
func (s *Store) View(local, peer string) []protocol.Message {
	type entry struct {
		msg protocol.Message
		at  time.Time
	}

	s.mu.RLock()
	entries := make([]entry, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Between(local, peer) {
			entries = append(entries, entry{msg: m, at: m.Time()})
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(entries, func(a, b entry) int {
		return a.at.Compare(b.at)
	})

	view := make([]protocol.Message, len(entries))
	for i, e := range entries {
		view[i] = e.msg
	}
	return view
}
