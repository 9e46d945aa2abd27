package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/telemetry"
)

type (
	// Store composes the hot tier over the persistent tier.
	//
	// Contract:
	// - Get reads hot first; on miss it falls back to persistent and
	//   promotes the hit into the hot tier.
	// - Save writes through: persistent first, then hot, under the same
	//   fencing token. A read returning a session therefore reflects the
	//   most recently committed writer as ordered by token.
	// - The secondary queries (by agent, by interlocutor, by channel
	//   identity, by step hash) are served by the persistent tier.
	Store struct {
		hot        Tier
		persistent Tier
		logger     telemetry.Logger
		now        func() time.Time
	}

	// StoreOption customizes a Store.
	StoreOption func(*Store)
)

// WithLogger sets the logger used for promotion and write-back diagnostics.
func WithLogger(l telemetry.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the wall clock. Tests use it to pin transfer times.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore builds the two-tier store from its tiers.
func NewStore(hot, persistent Tier, opts ...StoreOption) *Store {
	s := &Store{
		hot:        hot,
		persistent: persistent,
		logger:     telemetry.NewNoopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get loads a session, promoting persistent hits into the hot tier. When a
// concurrent writer raced the promotion with a newer token, the hot copy
// wins.
func (s *Store) Get(ctx context.Context, key fabric.SessionKey) (*Session, error) {
	sess, err := s.hot.Get(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("session hot get: %w", err)
	}
	sess, err = s.persistent.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session persistent get: %w", err)
	}
	if perr := s.hot.Save(ctx, sess); perr != nil {
		if errors.Is(perr, lock.ErrFencingViolation) {
			if hot, herr := s.hot.Get(ctx, key); herr == nil {
				return hot, nil
			}
		} else {
			s.logger.Warn(ctx, "session promotion failed", "session_key", string(key), "err", perr)
		}
	}
	return sess, nil
}

// Save writes the session through both tiers under its fencing token.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return errors.New("session is required")
	}
	if err := s.persistent.Save(ctx, sess); err != nil {
		return fmt.Errorf("session persistent save: %w", err)
	}
	if err := s.hot.Save(ctx, sess); err != nil {
		// The persistent tier accepted the token, so a hot rejection means
		// a newer writer already landed there; the hot copy is current.
		if errors.Is(err, lock.ErrFencingViolation) {
			s.logger.Debug(ctx, "session hot save outraced", "session_key", string(sess.Key))
			return nil
		}
		return fmt.Errorf("session hot save: %w", err)
	}
	return nil
}

// Delete removes the session from both tiers. Persistent goes first; a hot
// failure leaves a ghost that expires with the hot TTL.
func (s *Store) Delete(ctx context.Context, key fabric.SessionKey) error {
	if err := s.persistent.Delete(ctx, key); err != nil {
		return fmt.Errorf("session persistent delete: %w", err)
	}
	if err := s.hot.Delete(ctx, key); err != nil {
		return fmt.Errorf("session hot delete: %w", err)
	}
	return nil
}

// ListByAgent returns the tenant's sessions served by the agent.
func (s *Store) ListByAgent(ctx context.Context, tenant fabric.TenantID, agent fabric.AgentID) ([]*Session, error) {
	return s.persistent.ListByAgent(ctx, tenant, agent)
}

// ListByInterlocutor returns the tenant's sessions for one interlocutor.
func (s *Store) ListByInterlocutor(ctx context.Context, tenant fabric.TenantID, interlocutor fabric.InterlocutorID) ([]*Session, error) {
	return s.persistent.ListByInterlocutor(ctx, tenant, interlocutor)
}

// FindByChannelIdentity resolves the session bound to a raw channel address.
func (s *Store) FindByChannelIdentity(ctx context.Context, channel fabric.ChannelKind, userChannelID string) (*Session, error) {
	return s.persistent.FindByChannelIdentity(ctx, channel, userChannelID)
}

// FindByStepHash returns the tenant's sessions parked on the hashed step.
func (s *Store) FindByStepHash(ctx context.Context, tenant fabric.TenantID, stepHash string) ([]*Session, error) {
	return s.persistent.FindByStepHash(ctx, tenant, stepHash)
}

// Transfer hands the conversation to another agent. The source session is
// closed; a fresh session is created under the target agent's key carrying
// the interlocutor's variables, the channel identity, and the handoff
// summary. Scenario position and rule counters do not follow: the receiving
// agent starts from its own graph.
//
// Returns ErrTransferConflict when the target key already holds a live
// session, and ErrNotFound when the source is missing.
func (s *Store) Transfer(ctx context.Context, key fabric.SessionKey, toAgent fabric.AgentID, contextSummary string, token lock.Token) (*Session, error) {
	src, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	targetKey, err := fabric.NewSessionKey(src.TenantID, toAgent, src.InterlocutorID, src.Channel)
	if err != nil {
		return nil, fmt.Errorf("transfer target key: %w", err)
	}
	if existing, gerr := s.Get(ctx, targetKey); gerr == nil {
		if existing.Status != StatusClosed {
			return nil, ErrTransferConflict
		}
	} else if !errors.Is(gerr, ErrNotFound) {
		return nil, gerr
	}

	now := s.now()
	dst, err := New(targetKey, now)
	if err != nil {
		return nil, err
	}
	snap := src.Clone()
	dst.UserChannelID = src.UserChannelID
	dst.Variables = snap.Variables
	dst.VariableUpdatedAt = snap.VariableUpdatedAt
	dst.CadenceP95 = src.CadenceP95
	dst.ConfigVersion = src.ConfigVersion
	dst.ContextSummary = contextSummary
	dst.FencingToken = token

	src.Status = StatusClosed
	src.FencingToken = token
	src.Touch(now)
	if err := s.Save(ctx, src); err != nil {
		return nil, fmt.Errorf("transfer close source: %w", err)
	}
	if err := s.Save(ctx, dst); err != nil {
		return nil, fmt.Errorf("transfer create target: %w", err)
	}
	s.logger.Info(ctx, "session transferred",
		"from", string(key), "to", string(targetKey), "agent", string(toAgent))
	return dst, nil
}
