// Package turn defines the LogicalTurn: the unit of coherent user intent the
// fabric orders, supersedes and commits. A turn aggregates one or more rapid
// messages, carries the phase artifacts and side effects produced while the
// cognitive engine worked on it, and moves through a small state machine:
//
//	ACCUMULATING -> PROCESSING -> COMPLETE
//	      |             |
//	      +-------------+-----> SUPERSEDED
//
// Turns are created by the gateway (ACCUMULATING), promoted by the workflow
// when the accumulation window closes (PROCESSING), and terminated either by
// the workflow (COMPLETE) or by a supersede decision (SUPERSEDED). Only the
// workflow holding the session mutex mutates a turn; the gateway is limited
// to the conditional-write operations the Store exposes for it.
package turn

import (
	"context"
	"errors"
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/lock"
)

// Status is the lifecycle state of a LogicalTurn.
type Status string

const (
	// StatusAccumulating marks a turn still collecting rapid messages.
	StatusAccumulating Status = "ACCUMULATING"
	// StatusProcessing marks a turn the cognitive engine is working on.
	StatusProcessing Status = "PROCESSING"
	// StatusComplete marks a committed turn.
	StatusComplete Status = "COMPLETE"
	// StatusSuperseded marks a turn cancelled in favor of a successor.
	StatusSuperseded Status = "SUPERSEDED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusSuperseded
}

// CompletionReason records why a turn stopped accumulating or terminated.
type CompletionReason string

const (
	// ReasonTimeout: the accumulation window elapsed.
	ReasonTimeout CompletionReason = "timeout"
	// ReasonAIPredicted: the previous turn's pipeline hint predicted
	// completion with high confidence.
	ReasonAIPredicted CompletionReason = "ai_predicted"
	// ReasonExplicitSignal: the channel adapter flagged the message as final.
	ReasonExplicitSignal CompletionReason = "explicit_signal"
	// ReasonAbsorbedOverflow: the total accumulation cap forced promotion.
	ReasonAbsorbedOverflow CompletionReason = "absorbed_overflow"
	// ReasonError: the turn was abandoned on a failure path.
	ReasonError CompletionReason = "error"
)

var (
	// ErrNotFound indicates no turn exists for the identifier, or a session
	// has no active turn.
	ErrNotFound = errors.New("turn not found")

	// ErrActiveTurnExists indicates a create would violate the one active
	// turn per session invariant.
	ErrActiveTurnExists = errors.New("session already has an active turn")

	// ErrTurnConflict indicates a conditional write observed a turn whose
	// state no longer matches the caller's expectation.
	ErrTurnConflict = errors.New("turn state conflict")

	// ErrQueueFull indicates the per-session overflow queue is at capacity.
	ErrQueueFull = errors.New("session overflow queue full")
)

type (
	// ScenarioRef snapshots the scenario position of a session.
	ScenarioRef struct {
		ScenarioID string
		StepID     string
		Version    string
	}

	// InterruptRecord is one probe interrupt the pipeline yielded to, with
	// the resolution the fabric applied. The action is the string form of
	// the supersede decision action.
	InterruptRecord struct {
		Phase     int
		MessageID fabric.MessageID
		Action    string
		Strategy  string
		Reason    string
		At        time.Time
	}

	// LogicalTurn is one beat of user intent.
	LogicalTurn struct {
		// ID uniquely identifies the turn.
		ID fabric.TurnID
		// SessionKey is the conversation the turn belongs to.
		SessionKey fabric.SessionKey
		// GroupID ties supersede chains together; at most one turn per
		// group commits.
		GroupID fabric.TurnGroupID
		// Status is the current lifecycle state.
		Status Status
		// Messages are the absorbed inbound messages in gateway delivery
		// order.
		Messages []fabric.Message
		// FirstAt/LastAt bound the arrival window of the absorbed messages.
		FirstAt time.Time
		LastAt  time.Time
		// CompletionConfidence estimates how likely the absorbed set is the
		// full intent, in [0,1].
		CompletionConfidence float64
		// CompletionReason records why accumulation stopped. Empty while
		// ACCUMULATING.
		CompletionReason CompletionReason
		// Artifacts maps phase number to the artifact produced by that
		// phase, for reuse across supersedes.
		Artifacts map[int]PhaseArtifact
		// SideEffects is the append-only ledger of executed tool effects.
		SideEffects []SideEffect
		// ScenarioAtStart snapshots the session's scenario position at
		// PROCESSING entry; audit diffs against it.
		ScenarioAtStart *ScenarioRef
		// SupersededBy/Supersedes link the turns of a group into a chain.
		SupersededBy *fabric.TurnID
		Supersedes   *fabric.TurnID
		// PendingInterrupts are messages that arrived while PROCESSING and
		// await the next probe.
		PendingInterrupts []fabric.Message
		// InterruptHistory records the probe interrupts the turn yielded to
		// and how each was resolved. Audit records project it.
		InterruptHistory []InterruptRecord
		// WorkflowID is the durable workflow execution driving this turn.
		// The gateway signals it on absorb and interrupt paths.
		WorkflowID string
		// FencingToken is the session fencing token of the writer that last
		// persisted the turn. Stores reject regressions.
		FencingToken lock.Token
		// CreatedAt/UpdatedAt are bookkeeping timestamps.
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Store persists turns and enforces the conditional-write discipline the
	// gateway and workflow rely on. Implementations must apply fencing
	// comparisons on Save and guarantee active-turn uniqueness on Create.
	Store interface {
		// Create persists a new ACCUMULATING turn and claims the session's
		// active slot. Fails with ErrActiveTurnExists when another active
		// turn holds it.
		Create(ctx context.Context, t *LogicalTurn) error

		// Save persists an existing turn. The write is fenced: a token older
		// than the last accepted token for the turn fails with
		// lock.ErrFencingViolation. Saving a terminal status releases the
		// session's active slot.
		Save(ctx context.Context, t *LogicalTurn) error

		// Supersede atomically terminates old (which must carry a terminal
		// status) and installs successor as the session's active turn. Fails
		// with ErrTurnConflict when old no longer holds the active slot.
		Supersede(ctx context.Context, old, successor *LogicalTurn) error

		// Get returns the turn by ID or ErrNotFound.
		Get(ctx context.Context, id fabric.TurnID) (*LogicalTurn, error)

		// ActiveTurn returns the session's active turn or ErrNotFound.
		ActiveTurn(ctx context.Context, key fabric.SessionKey) (*LogicalTurn, error)

		// AppendPendingInterrupt records msg on the turn's pending interrupt
		// list iff the turn still matches expect and can absorb messages.
		// This is the gateway's only mutation path and is CAS-guarded;
		// mismatches fail with ErrTurnConflict.
		AppendPendingInterrupt(ctx context.Context, id fabric.TurnID, msg fabric.Message, expect Status) error

		// ParkOverflow appends msg to the session's bounded FIFO overflow
		// queue. Returns the queue depth after the push, or ErrQueueFull
		// when depth would exceed limit.
		ParkOverflow(ctx context.Context, key fabric.SessionKey, msg fabric.Message, limit int) (int, error)

		// DrainOverflow pops up to max parked messages in FIFO order.
		DrainOverflow(ctx context.Context, key fabric.SessionKey, max int) ([]fabric.Message, error)
	}
)

// CanAbsorbMessage reports whether the turn may still take on new messages:
// it must not be terminal and must not have recorded an irreversible side
// effect.
func (t *LogicalTurn) CanAbsorbMessage() bool {
	return !t.Status.Terminal() && !HasIrreversible(t.SideEffects)
}

// MessageIDs projects the ordered message identifiers of the turn.
func (t *LogicalTurn) MessageIDs() []fabric.MessageID {
	ids := make([]fabric.MessageID, len(t.Messages))
	for i, m := range t.Messages {
		ids[i] = m.ID
	}
	return ids
}

// AppendMessage absorbs msg and advances the arrival window.
func (t *LogicalTurn) AppendMessage(msg fabric.Message) {
	t.Messages = append(t.Messages, msg)
	if t.FirstAt.IsZero() || msg.At.Before(t.FirstAt) {
		t.FirstAt = msg.At
	}
	if msg.At.After(t.LastAt) {
		t.LastAt = msg.At
	}
}

// RecordSideEffect appends a ledger entry. The ledger is append-only for the
// life of the turn; policy is resolved fail-closed by the caller through
// toolpolicy.Registry.
func (t *LogicalTurn) RecordSideEffect(se SideEffect) {
	t.SideEffects = append(t.SideEffects, se)
}

// NewSuccessor builds the ACCUMULATING turn that replaces t after a
// supersede: same group, all absorbed and pending messages, and the artifacts
// whose dependency fingerprint still matches depFP. Links are set both ways;
// the caller persists the pair with Store.Supersede.
func (t *LogicalTurn) NewSuccessor(id fabric.TurnID, depFP string, now time.Time) *LogicalTurn {
	succ := &LogicalTurn{
		ID:         id,
		SessionKey: t.SessionKey,
		GroupID:    t.GroupID,
		Status:     StatusAccumulating,
		Artifacts:  ReusableArtifacts(t.Artifacts, depFP),
		Supersedes: &t.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, m := range t.Messages {
		succ.AppendMessage(m)
	}
	for _, m := range t.PendingInterrupts {
		succ.AppendMessage(m)
	}
	t.SupersededBy = &id
	return succ
}

// Clone returns a deep copy. Stores hand out clones so callers never alias
// internal state.
func (t *LogicalTurn) Clone() *LogicalTurn {
	if t == nil {
		return nil
	}
	out := *t
	out.Messages = append([]fabric.Message(nil), t.Messages...)
	out.PendingInterrupts = append([]fabric.Message(nil), t.PendingInterrupts...)
	out.InterruptHistory = append([]InterruptRecord(nil), t.InterruptHistory...)
	out.SideEffects = append([]SideEffect(nil), t.SideEffects...)
	if t.Artifacts != nil {
		out.Artifacts = make(map[int]PhaseArtifact, len(t.Artifacts))
		for k, v := range t.Artifacts {
			out.Artifacts[k] = v
		}
	}
	if t.ScenarioAtStart != nil {
		ref := *t.ScenarioAtStart
		out.ScenarioAtStart = &ref
	}
	if t.SupersededBy != nil {
		id := *t.SupersededBy
		out.SupersededBy = &id
	}
	if t.Supersedes != nil {
		id := *t.Supersedes
		out.Supersedes = &id
	}
	return &out
}
