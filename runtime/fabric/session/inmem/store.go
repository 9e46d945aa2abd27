// Package inmem provides an in-memory session.Tier.
//
// It backs tests and local development; one instance with a short TTL plays
// the hot tier and one without the persistent tier. Production deployments
// use features/session/redis and features/session/mongo.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/session"
)

type (
	// Tier is an in-memory session.Tier. It is safe for concurrent use.
	// Fencing state shares each entry's lifetime: once an entry expires its
	// last-seen token is forgotten, matching TTL-based backends.
	Tier struct {
		mu       sync.Mutex
		now      func() time.Time
		ttl      time.Duration
		sessions map[fabric.SessionKey]*entry

		byAgent        map[string]map[fabric.SessionKey]struct{}
		byInterlocutor map[string]map[fabric.SessionKey]struct{}
		byChannelID    map[string]fabric.SessionKey
		byStepHash     map[string]map[fabric.SessionKey]struct{}
	}

	entry struct {
		sess      *session.Session
		token     lock.Token
		expires   time.Time
		channelID string
		stepHash  string
	}

	// Option customizes a Tier.
	Option func(*Tier)
)

// WithTTL bounds entry lifetime. Zero (the default) keeps entries forever.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tier) { t.ttl = ttl }
}

// WithClock overrides the wall clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(t *Tier) { t.now = now }
}

// New returns an empty Tier.
func New(opts ...Option) *Tier {
	t := &Tier{
		now:            time.Now,
		sessions:       make(map[fabric.SessionKey]*entry),
		byAgent:        make(map[string]map[fabric.SessionKey]struct{}),
		byInterlocutor: make(map[string]map[fabric.SessionKey]struct{}),
		byChannelID:    make(map[string]fabric.SessionKey),
		byStepHash:     make(map[string]map[fabric.SessionKey]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get implements session.Tier.
func (t *Tier) Get(_ context.Context, key fabric.SessionKey) (*session.Session, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.live(key)
	if e == nil {
		return nil, session.ErrNotFound
	}
	return e.sess.Clone(), nil
}

// Save implements session.Tier.
func (t *Tier) Save(_ context.Context, sess *session.Session) error {
	if sess == nil || sess.Key == "" {
		return errors.New("session key is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev := t.live(sess.Key); prev != nil {
		if sess.FencingToken < prev.token {
			return lock.ErrFencingViolation
		}
		t.unindex(sess.Key, prev)
	}

	e := &entry{
		sess:      sess.Clone(),
		token:     sess.FencingToken,
		channelID: sess.UserChannelID,
		stepHash:  sess.StepHash(),
	}
	if t.ttl > 0 {
		e.expires = t.now().Add(t.ttl)
	}
	t.sessions[sess.Key] = e
	t.index(sess.Key, e)
	return nil
}

// Delete implements session.Tier.
func (t *Tier) Delete(_ context.Context, key fabric.SessionKey) error {
	if key == "" {
		return errors.New("session key is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.sessions[key]; ok {
		t.unindex(key, e)
		delete(t.sessions, key)
	}
	return nil
}

// ListByAgent implements session.Tier.
func (t *Tier) ListByAgent(_ context.Context, tenant fabric.TenantID, agent fabric.AgentID) ([]*session.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(t.byAgent[scopedKey(string(tenant), string(agent))]), nil
}

// ListByInterlocutor implements session.Tier.
func (t *Tier) ListByInterlocutor(_ context.Context, tenant fabric.TenantID, interlocutor fabric.InterlocutorID) ([]*session.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(t.byInterlocutor[scopedKey(string(tenant), string(interlocutor))]), nil
}

// FindByChannelIdentity implements session.Tier.
func (t *Tier) FindByChannelIdentity(_ context.Context, channel fabric.ChannelKind, userChannelID string) (*session.Session, error) {
	if userChannelID == "" {
		return nil, errors.New("user channel id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.byChannelID[scopedKey(string(channel), userChannelID)]
	if !ok {
		return nil, session.ErrNotFound
	}
	e := t.live(key)
	if e == nil {
		return nil, session.ErrNotFound
	}
	return e.sess.Clone(), nil
}

// FindByStepHash implements session.Tier.
func (t *Tier) FindByStepHash(_ context.Context, tenant fabric.TenantID, stepHash string) ([]*session.Session, error) {
	if stepHash == "" {
		return nil, errors.New("step hash is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(t.byStepHash[scopedKey(string(tenant), stepHash)]), nil
}

// live returns the entry for key, reaping it first when expired. Callers
// hold t.mu.
func (t *Tier) live(key fabric.SessionKey) *entry {
	e, ok := t.sessions[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !t.now().Before(e.expires) {
		t.unindex(key, e)
		delete(t.sessions, key)
		return nil
	}
	return e
}

func (t *Tier) collect(keys map[fabric.SessionKey]struct{}) []*session.Session {
	out := make([]*session.Session, 0, len(keys))
	for key := range keys {
		if e := t.live(key); e != nil {
			out = append(out, e.sess.Clone())
		}
	}
	return out
}

func (t *Tier) index(key fabric.SessionKey, e *entry) {
	addSet(t.byAgent, scopedKey(string(e.sess.TenantID), string(e.sess.AgentID)), key)
	addSet(t.byInterlocutor, scopedKey(string(e.sess.TenantID), string(e.sess.InterlocutorID)), key)
	if e.channelID != "" {
		t.byChannelID[scopedKey(string(e.sess.Channel), e.channelID)] = key
	}
	if e.stepHash != "" {
		addSet(t.byStepHash, scopedKey(string(e.sess.TenantID), e.stepHash), key)
	}
}

func (t *Tier) unindex(key fabric.SessionKey, e *entry) {
	dropSet(t.byAgent, scopedKey(string(e.sess.TenantID), string(e.sess.AgentID)), key)
	dropSet(t.byInterlocutor, scopedKey(string(e.sess.TenantID), string(e.sess.InterlocutorID)), key)
	if e.channelID != "" {
		ck := scopedKey(string(e.sess.Channel), e.channelID)
		if t.byChannelID[ck] == key {
			delete(t.byChannelID, ck)
		}
	}
	if e.stepHash != "" {
		dropSet(t.byStepHash, scopedKey(string(e.sess.TenantID), e.stepHash), key)
	}
}

func scopedKey(scope, id string) string {
	return scope + "\x00" + id
}

func addSet(m map[string]map[fabric.SessionKey]struct{}, k string, key fabric.SessionKey) {
	set, ok := m[k]
	if !ok {
		set = make(map[fabric.SessionKey]struct{})
		m[k] = set
	}
	set[key] = struct{}{}
}

func dropSet(m map[string]map[fabric.SessionKey]struct{}, k string, key fabric.SessionKey) {
	if set, ok := m[k]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(m, k)
		}
	}
}
