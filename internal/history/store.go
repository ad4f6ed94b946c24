// Package history archives identified songs beyond the lifetime of a device
// session.
//
// Two [Store] implementations are provided: [MemStore], a bounded in-process
// archive used when no database is configured, and [PostgresStore], backed by
// a song_history table. Both satisfy [listen.Archive] so an orchestrator can
// write to them directly.
package history

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/earshot/internal/listen"
)

// ErrClosed is returned by operations on a closed [Store].
var ErrClosed = errors.New("history: store closed")

// Store persists matches per user.
type Store interface {
	// Append records m for userID.
	Append(ctx context.Context, userID string, m listen.Match) error

	// Recent returns up to limit matches for userID, newest first. A
	// non-positive limit returns everything retained.
	Recent(ctx context.Context, userID string, limit int) ([]listen.Match, error)

	// Close releases resources. Further calls return [ErrClosed].
	Close()
}

// Compile-time interface checks.
var (
	_ Store          = (*MemStore)(nil)
	_ listen.Archive = (*MemStore)(nil)
)

// MemStore keeps the most recent matches of every user in memory.
// It is safe for concurrent use.
type MemStore struct {
	limit int

	mu     sync.Mutex
	byUser map[string][]listen.Match // newest first
	closed bool
}

// NewMemStore returns a store retaining at most perUser matches per user.
// A non-positive perUser means no bound.
func NewMemStore(perUser int) *MemStore {
	return &MemStore{
		limit:  perUser,
		byUser: make(map[string][]listen.Match),
	}
}

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, userID string, m listen.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	list := append([]listen.Match{m}, s.byUser[userID]...)
	if s.limit > 0 && len(list) > s.limit {
		list = list[:s.limit]
	}
	s.byUser[userID] = list
	return nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, userID string, limit int) ([]listen.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	list := s.byUser[userID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return append([]listen.Match{}, list...), nil
}

// Close implements [Store].
func (s *MemStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.byUser = nil
}
