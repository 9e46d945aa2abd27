// Package session defines the durable conversational state of one
// interlocutor on one channel and the two-tier store that persists it.
//
// A Session is the unit of single-writer discipline: every mutating write
// carries the fencing token of the turn workflow that holds the session
// mutex, and tiers reject writes whose token is older than the last one they
// accepted. The Store composes a hot tier (short TTL, authoritative during
// an active conversation) over a persistent tier (source of truth across
// restarts) with read-through promotion and write-through saves.
package session

import (
	"context"
	"errors"
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/lock"
)

type (
	// Session captures everything the fabric knows about one conversation.
	//
	// Contract:
	// - Keys are stable composites (see fabric.NewSessionKey); the identity
	//   fields are denormalized from the key for indexing.
	// - At most one logical turn per session is active at a time; TurnCount
	//   only grows.
	// - Scenario transitions land in StepHistory only after a successful
	//   turn commit.
	Session struct {
		// Key is the composite session identifier.
		Key fabric.SessionKey
		// TenantID scopes every query and index touching this session.
		TenantID fabric.TenantID
		// AgentID identifies the agent configuration serving the session.
		AgentID fabric.AgentID
		// InterlocutorID identifies the human (or system) on the other end.
		InterlocutorID fabric.InterlocutorID
		// Channel is the transport the conversation runs over.
		Channel fabric.ChannelKind
		// UserChannelID is the interlocutor's raw address on the channel
		// (phone number, web client ID). Indexed for inbound routing.
		UserChannelID string

		// Status is the session lifecycle state.
		Status Status

		// ActiveScenarioID, ActiveStepID and ActiveScenarioVersion locate
		// the session inside the agent's scenario graph, when one is active.
		ActiveScenarioID      string
		ActiveStepID          string
		ActiveScenarioVersion string
		// StepHistory is the ordered record of committed step transitions.
		StepHistory []StepTransition

		// Variables is the opaque per-session variable map maintained by the
		// cognitive engine; VariableUpdatedAt tracks per-key write times.
		Variables         map[string]any
		VariableUpdatedAt map[string]time.Time

		// RuleFires counts fires per rule; RuleLastFireTurn records the turn
		// number of each rule's most recent fire.
		RuleFires        map[string]int
		RuleLastFireTurn map[string]int

		// TurnCount is the number of committed turns. Monotonic.
		TurnCount int
		// LastCommittedTurn is the most recently committed turn. The commit
		// path checks it before applying session updates so a retried commit
		// does not double-apply them.
		LastCommittedTurn fabric.TurnID
		// ConfigVersion is the agent configuration version the session last
		// committed under.
		ConfigVersion string
		// PendingMigration is set when migration tooling has scheduled the
		// session to move to a new configuration version.
		PendingMigration *Migration

		// CadenceP95 is the observed p95 inter-message latency for this
		// interlocutor, fed back into accumulation waits.
		CadenceP95 time.Duration
		// NextTurnHint is the accumulation hint the engine emitted on the
		// previous commit, consumed by the next turn's first wait.
		NextTurnHint *accumulate.Hint

		// ContextSummary carries a handoff summary when the session was
		// transferred from another agent.
		ContextSummary string

		// FencingToken is the token of the last accepted writer.
		FencingToken lock.Token

		// CreatedAt is when the session was first stored.
		CreatedAt time.Time
		// LastActivityAt is bumped on every inbound message and commit.
		LastActivityAt time.Time
	}

	// StepTransition is one committed move through the scenario graph.
	StepTransition struct {
		// StepID is the step entered.
		StepID string
		// EnteredAt is the commit time of the turn that entered the step.
		EnteredAt time.Time
		// TurnNumber is the session turn count at entry.
		TurnNumber int
		// Reason records why the transition happened (rule ID, intent, ...).
		Reason string
		// Confidence is the engine's confidence in the transition, in [0,1].
		Confidence float64
	}

	// Migration schedules a session for a configuration upgrade. Migration
	// tooling finds candidates through Store.FindByStepHash and stamps them;
	// the next turn workflow applies the move before running the pipeline.
	Migration struct {
		// TargetConfigVersion is the configuration version to move to.
		TargetConfigVersion string
		// FromStepHash is the step digest the session sat on when scheduled.
		FromStepHash string
		// RequestedAt is when the migration was scheduled.
		RequestedAt time.Time
	}

	// Tier is one storage level of the two-tier store. Implementations must
	// enforce tenant isolation and respect fencing: Save rejects tokens
	// older than the last accepted token for the key.
	Tier interface {
		// Get loads a session. Returns ErrNotFound when missing or expired.
		Get(ctx context.Context, key fabric.SessionKey) (*Session, error)
		// Save stores the session, keyed by sess.Key and fenced by
		// sess.FencingToken. Returns lock.ErrFencingViolation on stale
		// tokens.
		Save(ctx context.Context, sess *Session) error
		// Delete removes the session and its index entries. Missing keys
		// are not an error.
		Delete(ctx context.Context, key fabric.SessionKey) error
		// ListByAgent returns the tenant's sessions served by the agent.
		ListByAgent(ctx context.Context, tenant fabric.TenantID, agent fabric.AgentID) ([]*Session, error)
		// ListByInterlocutor returns the tenant's sessions for one
		// interlocutor across agents and channels.
		ListByInterlocutor(ctx context.Context, tenant fabric.TenantID, interlocutor fabric.InterlocutorID) ([]*Session, error)
		// FindByChannelIdentity resolves the session bound to a raw channel
		// address. Returns ErrNotFound when no session is bound.
		FindByChannelIdentity(ctx context.Context, channel fabric.ChannelKind, userChannelID string) (*Session, error)
		// FindByStepHash returns the tenant's sessions whose active scenario
		// step digests to stepHash. Used by migration tooling.
		FindByStepHash(ctx context.Context, tenant fabric.TenantID, stepHash string) ([]*Session, error)
	}

	// Status represents the lifecycle state of a session.
	Status string
)

const (
	// StatusActive indicates a conversation with recent activity.
	StatusActive Status = "ACTIVE"
	// StatusIdle indicates no activity within the idle window.
	StatusIdle Status = "IDLE"
	// StatusProcessing indicates a turn workflow currently owns the session.
	StatusProcessing Status = "PROCESSING"
	// StatusInterrupted indicates the active turn was superseded and the
	// successor has not committed yet.
	StatusInterrupted Status = "INTERRUPTED"
	// StatusClosed indicates the session is terminal (ended or transferred).
	StatusClosed Status = "CLOSED"
)

var (
	// ErrNotFound indicates the session does not exist in the queried tier.
	ErrNotFound = errors.New("session not found")
	// ErrTransferConflict indicates the transfer target key already holds a
	// live session.
	ErrTransferConflict = errors.New("transfer target session exists")
)

// New builds a Session for the key with identity fields denormalized from
// it. The caller assigns user channel identity and fencing before saving.
func New(key fabric.SessionKey, now time.Time) (*Session, error) {
	tenant, agent, interlocutor, channel, err := key.Parse()
	if err != nil {
		return nil, err
	}
	return &Session{
		Key:            key,
		TenantID:       tenant,
		AgentID:        agent,
		InterlocutorID: interlocutor,
		Channel:        channel,
		Status:         StatusActive,
		CreatedAt:      now.UTC(),
		LastActivityAt: now.UTC(),
	}, nil
}

// Touch bumps the activity clock.
func (s *Session) Touch(at time.Time) {
	s.LastActivityAt = at.UTC()
}

// SetVariable writes one engine variable and stamps its update time.
func (s *Session) SetVariable(name string, value any, at time.Time) {
	if s.Variables == nil {
		s.Variables = make(map[string]any)
	}
	if s.VariableUpdatedAt == nil {
		s.VariableUpdatedAt = make(map[string]time.Time)
	}
	s.Variables[name] = value
	s.VariableUpdatedAt[name] = at.UTC()
}

// RecordRuleFire counts one fire of the rule at the current turn number.
func (s *Session) RecordRuleFire(rule string) {
	if s.RuleFires == nil {
		s.RuleFires = make(map[string]int)
	}
	if s.RuleLastFireTurn == nil {
		s.RuleLastFireTurn = make(map[string]int)
	}
	s.RuleFires[rule]++
	s.RuleLastFireTurn[rule] = s.TurnCount
}

// EnterStep moves the session to a scenario step and appends the transition
// to history. Callers invoke it only from the commit path.
func (s *Session) EnterStep(scenarioID, stepID, version, reason string, confidence float64, at time.Time) {
	s.ActiveScenarioID = scenarioID
	s.ActiveStepID = stepID
	s.ActiveScenarioVersion = version
	s.StepHistory = append(s.StepHistory, StepTransition{
		StepID:     stepID,
		EnteredAt:  at.UTC(),
		TurnNumber: s.TurnCount,
		Reason:     reason,
		Confidence: confidence,
	})
}

// StepHash digests the active scenario step. Sessions with no active
// scenario hash to the empty string and are never indexed by step.
func (s *Session) StepHash() string {
	if s.ActiveScenarioID == "" || s.ActiveStepID == "" {
		return ""
	}
	return fabric.Fingerprint(s.ActiveScenarioID, s.ActiveStepID, s.ActiveScenarioVersion)
}

// Clone deep-copies the session so stored state cannot alias caller state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if len(s.StepHistory) > 0 {
		out.StepHistory = append([]StepTransition(nil), s.StepHistory...)
	}
	if len(s.Variables) > 0 {
		out.Variables = make(map[string]any, len(s.Variables))
		for k, v := range s.Variables {
			out.Variables[k] = v
		}
	}
	if len(s.VariableUpdatedAt) > 0 {
		out.VariableUpdatedAt = make(map[string]time.Time, len(s.VariableUpdatedAt))
		for k, v := range s.VariableUpdatedAt {
			out.VariableUpdatedAt[k] = v
		}
	}
	if len(s.RuleFires) > 0 {
		out.RuleFires = make(map[string]int, len(s.RuleFires))
		for k, v := range s.RuleFires {
			out.RuleFires[k] = v
		}
	}
	if len(s.RuleLastFireTurn) > 0 {
		out.RuleLastFireTurn = make(map[string]int, len(s.RuleLastFireTurn))
		for k, v := range s.RuleLastFireTurn {
			out.RuleLastFireTurn[k] = v
		}
	}
	if s.PendingMigration != nil {
		m := *s.PendingMigration
		out.PendingMigration = &m
	}
	if s.NextTurnHint != nil {
		h := *s.NextTurnHint
		out.NextTurnHint = &h
	}
	return &out
}
