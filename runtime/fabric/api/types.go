// Package api defines shared types that cross workflow/activity boundaries in
// the conversation fabric.
//
// Everything in this package is wire-safe: fields are concrete types that
// survive engine serialization (Temporal data converters, JSON). Live values
// that cannot cross a boundary, such as the Brain's interrupt probe or a held
// lock.Lease, are reconstructed on the activity side from the identifiers
// carried here.
package api

import (
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/channel"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/outbound"
	"goa.design/acf/runtime/fabric/turn"
)

type (
	// TurnWorkflowInput captures everything the turn workflow needs to start:
	// the turn identity, the messages absorbed so far and the accumulation
	// parameters resolved by the gateway at creation time.
	TurnWorkflowInput struct {
		// SessionKey identifies the conversation the turn belongs to.
		SessionKey fabric.SessionKey

		// TurnID is the logical turn created by the gateway. Empty when the
		// workflow is a replacement for a dead one and must adopt or repair
		// the active turn itself.
		TurnID fabric.TurnID

		// GroupID is the supersede group. Successors within the same intent
		// inherit it; queued overflow starts a fresh one.
		GroupID fabric.TurnGroupID

		// Messages are the messages known at start, in arrival order.
		Messages []fabric.Message

		// Channel is the channel model governing accumulation and overflow.
		// It rides the input so wait computation stays deterministic on
		// replay even if the deployed defaults change.
		Channel channel.Model

		// CadenceP95 is the session's inter-message cadence estimate at start.
		CadenceP95 time.Duration

		// Hint is the previous turn's accumulation hint, when one was left.
		Hint *accumulate.Hint

		// DisallowSupersede carries the agent-level supersede gate resolved
		// from tool policy configuration.
		DisallowSupersede bool

		// LeaseTTL overrides the session lock lease duration. Zero means the
		// deployment default.
		LeaseTTL time.Duration
	}

	// TurnWorkflowOutput is the terminal result of a turn workflow.
	TurnWorkflowOutput struct {
		// TurnID echoes the turn the workflow finished on. When the turn was
		// superseded this is the superseded turn; the successor reports its
		// own output.
		TurnID fabric.TurnID

		// Status is the terminal turn status (COMPLETE or SUPERSEDED).
		Status turn.Status

		// Reason records why accumulation or the turn itself closed.
		Reason turn.CompletionReason

		// SupersededBy links to the successor turn when Status is SUPERSEDED.
		SupersededBy fabric.TurnID

		// Envelope is the committed outbound envelope for COMPLETE turns.
		Envelope *outbound.Envelope

		// TokensUsed totals Brain token consumption across pipeline runs.
		TokensUsed int
	}

	// MessageSignal delivers a new inbound message to a running turn
	// workflow.
	MessageSignal struct {
		// Message is the normalized inbound message.
		Message fabric.Message

		// CadenceP95 refreshes the cadence estimate used for the next wait
		// computation. Zero means keep the previous value.
		CadenceP95 time.Duration

		// Interrupt is true when the gateway already recorded the message as
		// a pending interrupt on a PROCESSING turn; the workflow must not
		// absorb it into the accumulation window.
		Interrupt bool
	}

	// ForceReleaseSignal asks a running turn workflow to stop and release the
	// session lock. Sent by the admin force-release path.
	ForceReleaseSignal struct {
		// Reason describes why the release was requested.
		Reason string

		// RequestedBy identifies the operator or system issuing the request.
		RequestedBy string
	}

	// LockActivityInput addresses the session lock on behalf of a workflow.
	// The same shape serves acquire, renew and release; renew and release
	// identify the lease by token.
	LockActivityInput struct {
		// SessionKey is the lock key.
		SessionKey fabric.SessionKey

		// WorkflowID identifies the requesting workflow for diagnostics.
		WorkflowID string

		// Token identifies the held lease for renew and release. Ignored by
		// acquire.
		Token lock.Token

		// LeaseTTL is the lease duration for acquire and renew. Zero means
		// the deployment default.
		LeaseTTL time.Duration

		// BlockTimeout caps how long acquire waits for a contended lock.
		BlockTimeout time.Duration

		// Messages carries the workflow's initial messages so a failed
		// acquire can hand them to the lock holder instead of losing them.
		Messages []fabric.Message
	}

	// LockActivityOutput reports the lease token issued or confirmed.
	LockActivityOutput struct {
		// Token is the fencing token of the held lease.
		Token lock.Token
	}

	// TurnActivityInput is the shared envelope for turn store activities
	// (adopt, append, promote, park, drain, record_interrupt,
	// resolve_interrupt, supersede_spawn, launch). Each activity reads the
	// subset of fields noted on them.
	TurnActivityInput struct {
		// SessionKey scopes park, drain and adopt.
		SessionKey fabric.SessionKey

		// TurnID addresses the turn for append, promote, record_interrupt,
		// resolve_interrupt, supersede_spawn and launch.
		TurnID fabric.TurnID

		// WorkflowID is the caller's workflow execution identifier. Adopt
		// stamps it on the turn; supersede_spawn stamps the successor's.
		WorkflowID string

		// Token is the caller's fencing token, stamped on every write.
		Token lock.Token

		// Message is the payload for append, park and record_interrupt.
		Message *fabric.Message

		// Reason qualifies promote (why accumulation closed) and
		// supersede_spawn (why the turn lost its group).
		Reason turn.CompletionReason

		// Confidence is the accumulator's completion confidence at promote.
		Confidence float64

		// Limit bounds park (overflow capacity) and drain (max messages).
		Limit int

		// Action is the gated supersede decision for resolve_interrupt
		// (ABSORB or QUEUE).
		Action brain.Action

		// Phase is the last completed pipeline phase when the interrupt
		// fired. Read by resolve_interrupt and supersede_spawn.
		Phase int

		// InterruptMessageID identifies the message that triggered the
		// interrupt. Read by resolve_interrupt and supersede_spawn.
		InterruptMessageID fabric.MessageID
	}

	// TurnActivityOutput carries turn store activity results.
	TurnActivityOutput struct {
		// Turn is the post-mutation snapshot for append, promote, adopt,
		// record_interrupt and resolve_interrupt.
		Turn *turn.LogicalTurn

		// Successor is the freshly created turn for supersede_spawn and
		// drain.
		Successor *turn.LogicalTurn

		// Drained holds the messages removed from the overflow queue.
		Drained []fabric.Message

		// Parked is true when park accepted the message; false when the
		// queue was full and the message was dropped.
		Parked bool

		// Depth is the overflow queue depth after park.
		Depth int

		// Hint is the follow-up accumulation hint produced when an ABSORB
		// resolution re-opens the window.
		Hint *accumulate.Hint
	}

	// BrainActivityInput launches one pipeline run. The activity loads the
	// turn and session, reconstructs the interrupt probe against the turn
	// store and invokes the registered Brain.
	BrainActivityInput struct {
		// SessionKey identifies the conversation.
		SessionKey fabric.SessionKey

		// TurnID is the turn to process.
		TurnID fabric.TurnID

		// Token is the workflow's fencing token; artifact and ledger writes
		// performed by the activity carry it.
		Token lock.Token

		// DisallowSupersede forwards the agent-level supersede gate.
		DisallowSupersede bool

		// IgnoreInterrupts disables the probe for FORCE_COMPLETE re-runs.
		IgnoreInterrupts bool

		// Attempt counts pipeline re-entries for this turn (absorb and queue
		// decisions re-run the pipeline).
		Attempt int
	}

	// BrainOutcome discriminates the two pipeline results carried by
	// BrainActivityOutput. Engine serialization cannot round-trip the
	// brain.TurnResult sum type directly.
	BrainOutcome string

	// BrainActivityOutput flattens brain.TurnResult for the trip back into
	// the workflow. Exactly one of Completed and Interrupted is set,
	// according to Outcome.
	BrainActivityOutput struct {
		// Outcome selects which result field is populated.
		Outcome BrainOutcome

		// Completed is the successful pipeline result.
		Completed *brain.Completed

		// Interrupted is the interrupt report with the supersede decision,
		// already gated by the irreversibility barrier on the activity side.
		Interrupted *brain.Interrupted
	}

	// CommitActivityInput finalizes a completed turn: idempotent commit
	// record, fenced session and turn writes, audit append and outbound
	// publish.
	CommitActivityInput struct {
		// SessionKey identifies the conversation.
		SessionKey fabric.SessionKey

		// TurnID is the turn being committed.
		TurnID fabric.TurnID

		// GroupID is the supersede group, part of the commit idempotency key.
		GroupID fabric.TurnGroupID

		// Token is the workflow's fencing token for the session and turn
		// writes.
		Token lock.Token

		// Result is the Brain's completed pipeline output.
		Result *brain.Completed

		// TokensUsed totals token consumption across all pipeline runs of
		// the turn, including interrupted ones.
		TokensUsed int
	}

	// CommitActivityOutput reports the committed envelope.
	CommitActivityOutput struct {
		// Envelope is the outbound envelope, either freshly published or
		// replayed from the idempotency record on a duplicate commit.
		Envelope *outbound.Envelope

		// Deduplicated is true when a previous attempt already committed and
		// the envelope was served from the idempotency record.
		Deduplicated bool
	}

	// CompensateActivityInput unwinds a failed turn after durable side
	// effects were recorded.
	CompensateActivityInput struct {
		// SessionKey identifies the conversation.
		SessionKey fabric.SessionKey

		// TurnID is the failed turn whose ledger is walked.
		TurnID fabric.TurnID

		// Token is the workflow's fencing token for the terminal writes.
		Token lock.Token

		// Reason is the terminal error recorded on the audit trail.
		Reason string
	}

	// CompensateActivityOutput reports compensation progress.
	CompensateActivityOutput struct {
		// Compensated counts the ledger entries compensated, newest first.
		Compensated int
	}
)

const (
	// BrainOutcomeCompleted marks a pipeline run that finished all phases.
	BrainOutcomeCompleted BrainOutcome = "completed"

	// BrainOutcomeInterrupted marks a pipeline run stopped at a checkpoint.
	BrainOutcomeInterrupted BrainOutcome = "interrupted"
)

const (
	// WorkflowName is the registered name of the turn workflow.
	WorkflowName = "ConversationTurnWorkflow"

	// TaskQueue is the default queue turn workflows and activities run on.
	TaskQueue = "acf-turns"

	// SignalNewMessage delivers a MessageSignal to a running turn workflow.
	SignalNewMessage = "acf.turn.new_message"

	// SignalForceRelease delivers a ForceReleaseSignal.
	SignalForceRelease = "acf.turn.force_release"

	// QueryTurnStatus returns the workflow's view of its turn status.
	QueryTurnStatus = "acf.turn.status"
)

const (
	// ActivityLockAcquire blocks for the session lock and returns the token.
	ActivityLockAcquire = "acf.lock.acquire"

	// ActivityLockRenew extends the held lease between workflow steps.
	ActivityLockRenew = "acf.lock.renew"

	// ActivityLockRelease frees the session lock on terminal paths.
	ActivityLockRelease = "acf.lock.release"

	// ActivityTurnAdopt binds the workflow to its turn, repairing a stale
	// active turn left by a dead predecessor when necessary.
	ActivityTurnAdopt = "acf.turn.adopt"

	// ActivityTurnAppend absorbs a message into the accumulating turn.
	ActivityTurnAppend = "acf.turn.append"

	// ActivityTurnPromote closes accumulation and moves the turn to
	// PROCESSING.
	ActivityTurnPromote = "acf.turn.promote"

	// ActivityTurnPark pushes a message onto the bounded overflow queue.
	ActivityTurnPark = "acf.turn.park"

	// ActivityTurnDrain pops parked messages after commit.
	ActivityTurnDrain = "acf.turn.drain"

	// ActivityTurnRecordInterrupt appends a pending interrupt to a
	// PROCESSING turn.
	ActivityTurnRecordInterrupt = "acf.turn.record_interrupt"

	// ActivityTurnResolveInterrupt applies an ABSORB or QUEUE supersede
	// decision to the turn's pending interrupts.
	ActivityTurnResolveInterrupt = "acf.turn.resolve_interrupt"

	// ActivityTurnSupersedeSpawn marks the turn SUPERSEDED and creates its
	// successor in one store transaction.
	ActivityTurnSupersedeSpawn = "acf.turn.supersede_spawn"

	// ActivityTurnLaunch starts the workflow for an existing turn row. It
	// runs after the session lock is released so the new workflow can
	// acquire it. Launching an already started turn is a no-op.
	ActivityTurnLaunch = "acf.turn.launch"

	// ActivityBrainProcess runs the Brain pipeline for a promoted turn.
	ActivityBrainProcess = "acf.brain.process"

	// ActivityCommit finalizes a completed turn.
	ActivityCommit = "acf.commit"

	// ActivityCompensate unwinds recorded side effects of a failed turn.
	ActivityCompensate = "acf.compensate"
)

// WorkflowIDFor derives the workflow execution identifier for a turn. The
// mapping is deterministic so gateway retries target the same execution.
func WorkflowIDFor(id fabric.TurnID) string {
	return "acf-turn:" + string(id)
}

// RepairWorkflowID builds the execution identifier for a replacement workflow
// that adopts or repairs a session's active turn after its workflow died. The
// nonce keeps the replacement distinct from the execution it replaces.
func RepairWorkflowID(nonce string) string {
	return "acf-repair:" + nonce
}
