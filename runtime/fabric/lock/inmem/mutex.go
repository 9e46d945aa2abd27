// Package inmem provides an in-memory implementation of lock.Mutex.
//
// It is intended for tests and local development. Production deployments
// should use a shared implementation (for example features/lock/redis).
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/lock"
)

type (
	// Mutex is an in-memory implementation of lock.Mutex. It is safe for
	// concurrent use. Lease expiry is evaluated lazily against the injected
	// clock; no background reaper runs.
	Mutex struct {
		mu    sync.Mutex
		now   func() time.Time
		locks map[fabric.SessionKey]*state
	}

	state struct {
		nextToken lock.Token
		holder    lock.Token // zero when free
		deadline  time.Time
		leaseTTL  time.Duration
	}

	lease struct {
		m     *Mutex
		key   fabric.SessionKey
		token lock.Token
		ttl   time.Duration
	}
)

// Option customizes the mutex.
type Option func(*Mutex)

// WithClock injects the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Mutex) { m.now = now }
}

// New returns an empty Mutex.
func New(opts ...Option) *Mutex {
	m := &Mutex{
		now:   time.Now,
		locks: make(map[fabric.SessionKey]*state),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire implements lock.Mutex. It polls under contention; the in-memory
// implementation favors simplicity over fairness.
func (m *Mutex) Acquire(ctx context.Context, key fabric.SessionKey, opts lock.AcquireOptions) (lock.Lease, error) {
	if key == "" {
		return nil, fabric.ErrInvalidSessionKey
	}
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = lock.DefaultLeaseTTL
	}
	deadline := m.now().Add(opts.BlockTimeout)
	for {
		if l, ok := m.tryAcquire(key, ttl); ok {
			return l, nil
		}
		if opts.BlockTimeout <= 0 || !m.now().Before(deadline) {
			return nil, lock.ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Mutex) tryAcquire(key fabric.SessionKey, ttl time.Duration) (lock.Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[key]
	if !ok {
		st = &state{}
		m.locks[key] = st
	}
	if st.holder != 0 && m.now().Before(st.deadline) {
		return nil, false
	}
	st.nextToken++
	st.holder = st.nextToken
	st.deadline = m.now().Add(ttl)
	st.leaseTTL = ttl
	return &lease{m: m, key: key, token: st.holder, ttl: ttl}, true
}

// Renew implements lock.Mutex.
func (m *Mutex) Renew(_ context.Context, key fabric.SessionKey, token lock.Token, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = lock.DefaultLeaseTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[key]
	if !ok || st.holder != token || !m.now().Before(st.deadline) {
		return lock.ErrLeaseLost
	}
	st.deadline = m.now().Add(ttl)
	return nil
}

// Release implements lock.Mutex.
func (m *Mutex) Release(_ context.Context, key fabric.SessionKey, token lock.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[key]
	if !ok || st.holder != token {
		return nil
	}
	st.holder = 0
	return nil
}

// ForceRelease implements lock.Mutex.
func (m *Mutex) ForceRelease(_ context.Context, key fabric.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.locks[key]; ok {
		st.holder = 0
	}
	return nil
}

// LastToken reports the highest token issued for key. Test helper.
func (m *Mutex) LastToken(key fabric.SessionKey) lock.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.locks[key]; ok {
		return st.nextToken
	}
	return 0
}

func (l *lease) Key() fabric.SessionKey { return l.key }

func (l *lease) Token() lock.Token { return l.token }

func (l *lease) Renew(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.ttl
	}
	return l.m.Renew(ctx, l.key, l.token, ttl)
}

func (l *lease) Release(ctx context.Context) error {
	return l.m.Release(ctx, l.key, l.token)
}
