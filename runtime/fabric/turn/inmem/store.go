// Package inmem provides an in-memory implementation of turn.Store.
//
// It is intended for tests and local development. Production deployments
// should use a shared implementation (for example features/turn/redis).
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/turn"
)

type (
	// Store is an in-memory implementation of turn.Store. It is safe for
	// concurrent use.
	Store struct {
		mu       sync.RWMutex
		turns    map[fabric.TurnID]*turn.LogicalTurn
		active   map[fabric.SessionKey]fabric.TurnID
		overflow map[fabric.SessionKey][]fabric.Message
		fence    map[fabric.TurnID]lock.Token
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		turns:    make(map[fabric.TurnID]*turn.LogicalTurn),
		active:   make(map[fabric.SessionKey]fabric.TurnID),
		overflow: make(map[fabric.SessionKey][]fabric.Message),
		fence:    make(map[fabric.TurnID]lock.Token),
	}
}

// Create implements turn.Store.
func (s *Store) Create(_ context.Context, t *turn.LogicalTurn) error {
	if t == nil || t.ID == "" {
		return errors.New("turn id is required")
	}
	if t.SessionKey == "" {
		return errors.New("session key is required")
	}
	if t.Status != turn.StatusAccumulating {
		return errors.New("new turns must be ACCUMULATING")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[t.SessionKey]; ok {
		if cur, ok := s.turns[id]; ok && !cur.Status.Terminal() {
			return turn.ErrActiveTurnExists
		}
	}
	s.turns[t.ID] = t.Clone()
	s.active[t.SessionKey] = t.ID
	s.fence[t.ID] = t.FencingToken
	return nil
}

// Save implements turn.Store.
func (s *Store) Save(_ context.Context, t *turn.LogicalTurn) error {
	if t == nil || t.ID == "" {
		return errors.New("turn id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.turns[t.ID]; !ok {
		return turn.ErrNotFound
	}
	if t.FencingToken < s.fence[t.ID] {
		return lock.ErrFencingViolation
	}
	s.turns[t.ID] = t.Clone()
	s.fence[t.ID] = t.FencingToken
	if t.Status.Terminal() && s.active[t.SessionKey] == t.ID {
		delete(s.active, t.SessionKey)
	}
	return nil
}

// Supersede implements turn.Store.
func (s *Store) Supersede(_ context.Context, old, successor *turn.LogicalTurn) error {
	if old == nil || successor == nil {
		return errors.New("old and successor turns are required")
	}
	if !old.Status.Terminal() {
		return errors.New("superseded turn must carry a terminal status")
	}
	if successor.Status != turn.StatusAccumulating {
		return errors.New("successor must be ACCUMULATING")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active[old.SessionKey] != old.ID {
		return turn.ErrTurnConflict
	}
	if old.FencingToken < s.fence[old.ID] {
		return lock.ErrFencingViolation
	}
	s.turns[old.ID] = old.Clone()
	s.fence[old.ID] = old.FencingToken
	s.turns[successor.ID] = successor.Clone()
	s.fence[successor.ID] = successor.FencingToken
	s.active[old.SessionKey] = successor.ID
	return nil
}

// Get implements turn.Store.
func (s *Store) Get(_ context.Context, id fabric.TurnID) (*turn.LogicalTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.turns[id]
	if !ok {
		return nil, turn.ErrNotFound
	}
	return t.Clone(), nil
}

// ActiveTurn implements turn.Store.
func (s *Store) ActiveTurn(_ context.Context, key fabric.SessionKey) (*turn.LogicalTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[key]
	if !ok {
		return nil, turn.ErrNotFound
	}
	t, ok := s.turns[id]
	if !ok || t.Status.Terminal() {
		return nil, turn.ErrNotFound
	}
	return t.Clone(), nil
}

// AppendPendingInterrupt implements turn.Store.
func (s *Store) AppendPendingInterrupt(_ context.Context, id fabric.TurnID, msg fabric.Message, expect turn.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[id]
	if !ok {
		return turn.ErrNotFound
	}
	if t.Status != expect || !t.CanAbsorbMessage() {
		return turn.ErrTurnConflict
	}
	t.PendingInterrupts = append(t.PendingInterrupts, msg)
	return nil
}

// ParkOverflow implements turn.Store.
func (s *Store) ParkOverflow(_ context.Context, key fabric.SessionKey, msg fabric.Message, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.overflow[key]
	if limit > 0 && len(q) >= limit {
		return len(q), turn.ErrQueueFull
	}
	s.overflow[key] = append(q, msg)
	return len(q) + 1, nil
}

// DrainOverflow implements turn.Store.
func (s *Store) DrainOverflow(_ context.Context, key fabric.SessionKey, max int) ([]fabric.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.overflow[key]
	if len(q) == 0 {
		return nil, nil
	}
	n := len(q)
	if max > 0 && max < n {
		n = max
	}
	out := append([]fabric.Message(nil), q[:n]...)
	if n == len(q) {
		delete(s.overflow, key)
	} else {
		s.overflow[key] = q[n:]
	}
	return out, nil
}
