// Package store holds received log entries in arrival order for display.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgnsrekt/logtail/internal/protocol"
)

var ErrDuplicatePosition = errors.New("duplicate position")

// DuplicatePositionError is returned when an appended entry reuses a position.
type DuplicatePositionError struct {
	Position int64
}

func (e *DuplicatePositionError) Error() string {
	return fmt.Sprintf("duplicate position %d", e.Position)
}

func (e *DuplicatePositionError) Is(target error) bool {
	return target == ErrDuplicatePosition
}

// Option configures a Store.
type Option func(*Store)

// WithStrictPositions controls whether Append rejects a position that is
// already stored. Disabling it keeps duplicates, as older clients did.
func WithStrictPositions(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

// Store is an append-only sequence of log entries keyed by position.
type Store struct {
	mu        sync.RWMutex
	entries   []protocol.LogEntry
	positions map[int64]struct{}
	strict    bool

	subMu  sync.RWMutex
	subs   []*Subscription
	nextID uint64
}

// Subscription is a registered append callback.
type Subscription struct {
	id    uint64
	fn    func(protocol.LogEntry)
	store *Store
}

// Unsubscribe stops further notifications. Safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	sub.store.unsubscribe(sub.id)
}

// New creates an empty Store. Positions are strict by default.
func New(opts ...Option) *Store {
	s := &Store{
		positions: make(map[int64]struct{}),
		strict:    true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds entry at the tail and notifies subscribers.
// On a duplicate position in strict mode the store is left unchanged.
func (s *Store) Append(entry protocol.LogEntry) error {
	s.mu.Lock()
	if _, exists := s.positions[entry.Position]; exists && s.strict {
		s.mu.Unlock()
		return &DuplicatePositionError{Position: entry.Position}
	}
	s.entries = append(s.entries, entry)
	s.positions[entry.Position] = struct{}{}
	s.mu.Unlock()

	s.subMu.RLock()
	subs := make([]*Subscription, len(s.subs))
	copy(subs, s.subs)
	s.subMu.RUnlock()

	for _, sub := range subs {
		sub.fn(entry)
	}
	return nil
}

// Snapshot returns a copy of the entries in append order.
func (s *Store) Snapshot() []protocol.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear drops all entries. Subscriptions are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.positions = make(map[int64]struct{})
}

// Subscribe registers fn to be called after every successful Append.
// Callbacks run synchronously, in registration order.
func (s *Store) Subscribe(fn func(protocol.LogEntry)) *Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.nextID++
	sub := &Subscription{id: s.nextID, fn: fn, store: s}
	s.subs = append(s.subs, sub)
	return sub
}

func (s *Store) unsubscribe(id uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}
