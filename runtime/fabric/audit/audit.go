// Package audit provides the durable, append-only record of committed and
// terminated turns.
//
// The audit trail is the canonical source of truth for conversation
// forensics: one TurnRecord per terminal turn, appended from the commit and
// failure paths and listed with opaque cursors.
package audit

import (
	"context"
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/turn"
)

type (
	// TurnRecord is the immutable audit unit for one terminal turn.
	//
	// Sink implementations assign the ID when persisting. IDs are opaque,
	// monotonically ordered within a session, and suitable for cursor-based
	// pagination.
	TurnRecord struct {
		// ID is the sink-assigned opaque identifier.
		ID string
		// TurnID identifies the turn; BeatID aliases it for analytics
		// pipelines that join on beat identifiers.
		TurnID fabric.TurnID
		BeatID fabric.TurnID
		// TurnGroupID is stable across the turn's supersede chain.
		TurnGroupID fabric.TurnGroupID
		// SessionKey and TenantID scope the record.
		SessionKey fabric.SessionKey
		TenantID   fabric.TenantID
		// Status is the turn's terminal status.
		Status turn.Status
		// CompletionReason records why accumulation closed.
		CompletionReason turn.CompletionReason
		// MessageSequence lists absorbed message IDs in delivery order.
		MessageSequence []fabric.MessageID
		// SupersededBy links to the successor when the turn lost its group.
		SupersededBy *fabric.TurnID
		// Interruptions lists probe interrupts observed while processing.
		Interruptions []Interruption
		// ArtifactSummaries projects the turn's phase artifacts.
		ArtifactSummaries []turn.ArtifactSummary
		// SideEffects is the turn's committed ledger.
		SideEffects []turn.SideEffect
		// LatencyMS measures first message arrival to terminal transition.
		LatencyMS int64
		// TokensUsed totals model tokens consumed.
		TokensUsed int
		// ScenarioBefore and ScenarioAfter bracket the committed move.
		ScenarioBefore turn.ScenarioRef
		ScenarioAfter  turn.ScenarioRef
		// RecordedAt is the append time.
		RecordedAt time.Time
	}

	// Interruption is one probe interrupt observed during processing.
	Interruption struct {
		// Phase is the last completed phase when the probe fired.
		Phase int
		// MessageID is the message that triggered the interrupt.
		MessageID fabric.MessageID
		// Action, Strategy and Reason mirror the supersede decision.
		Action   brain.Action
		Strategy string
		Reason   string
		// At is when the interrupt was handled.
		At time.Time
	}

	// Page is a forward page of turn records.
	Page struct {
		// Records are ordered oldest-first.
		Records []*TurnRecord
		// NextCursor fetches the next page; empty means no further records.
		NextCursor string
	}

	// Sink is the append-only audit store.
	//
	// Append must be durable: failures surface to callers so the commit
	// path can fail fast when the audit trail is unavailable.
	Sink interface {
		// Append persists the record and assigns its ID. A turn reaches
		// exactly one terminal state, so sinks upsert by TurnID: appending
		// a record for an already recorded turn replaces the previous
		// record in place, which keeps commit retries from duplicating
		// audit rows.
		Append(ctx context.Context, rec *TurnRecord) error
		// List returns the next forward page of records for the session.
		// Cursor is opaque (empty starts from the beginning); limit must be
		// greater than zero.
		List(ctx context.Context, key fabric.SessionKey, cursor string, limit int) (Page, error)
	}
)
