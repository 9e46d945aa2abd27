// Package inmem provides an in-memory idempotency.Store for tests and local
// development. Production deployments use features/idempotency/redis.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/acf/runtime/fabric/idempotency"
)

type (
	// Store is an in-memory idempotency.Store. It is safe for concurrent
	// use and reaps expired records lazily.
	Store struct {
		mu      sync.Mutex
		now     func() time.Time
		records map[string]*record
	}

	record struct {
		hash    string
		value   []byte
		done    bool
		expires time.Time
	}

	// Option customizes a Store.
	Option func(*Store)
)

// WithClock overrides the wall clock used for TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryRecord implements idempotency.Store.
func (s *Store) TryRecord(_ context.Context, key idempotency.Key, payloadHash string, ttl time.Duration) (idempotency.Result, error) {
	if key.ID == "" {
		return idempotency.Result{}, errors.New("idempotency key id is required")
	}
	if ttl <= 0 {
		ttl = key.Scope.DefaultTTL()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	if rec := s.live(k); rec != nil {
		if rec.hash != payloadHash {
			return idempotency.Result{}, idempotency.ErrPayloadMismatch
		}
		out := idempotency.Result{Done: rec.done}
		if rec.done {
			out.Value = append([]byte(nil), rec.value...)
		}
		return out, nil
	}
	s.records[k] = &record{hash: payloadHash, expires: s.now().Add(ttl)}
	return idempotency.Result{Fresh: true}, nil
}

// Complete implements idempotency.Store.
func (s *Store) Complete(_ context.Context, key idempotency.Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.live(key.String())
	if rec == nil {
		return nil
	}
	rec.value = append([]byte(nil), value...)
	rec.done = true
	return nil
}

// live returns the record for k, reaping it first when expired. Callers
// hold s.mu.
func (s *Store) live(k string) *record {
	rec, ok := s.records[k]
	if !ok {
		return nil
	}
	if !s.now().Before(rec.expires) {
		delete(s.records, k)
		return nil
	}
	return rec
}
