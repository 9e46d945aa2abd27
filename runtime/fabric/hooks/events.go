package hooks

import (
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/turn"
)

type (
	// Event is the interface all hook events implement. Subscribers use
	// type switches to access event-specific fields:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *TurnCommittedEvent:
	//	        log.Printf("turn %s committed in %dms", e.TurnID(), e.LatencyMS)
	//	    case *TurnSupersededEvent:
	//	        log.Printf("turn %s lost to %s", e.TurnID(), e.SuccessorID)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant for filter-and-route
		// subscribers.
		Type() EventType
		// SessionKey identifies the conversation that produced the event.
		SessionKey() fabric.SessionKey
		// TurnID identifies the logical turn, when one is in play.
		TurnID() fabric.TurnID
		// Timestamp is the creation time in Unix milliseconds.
		Timestamp() int64
	}

	// EventType enumerates well-known fabric events broadcast on the bus.
	EventType string

	baseEvent struct {
		key       fabric.SessionKey
		turnID    fabric.TurnID
		timestamp int64
	}

	// GatewayDecisionEvent fires for every inbound message the gateway
	// classifies.
	GatewayDecisionEvent struct {
		baseEvent
		// MessageID is the classified message.
		MessageID fabric.MessageID
		// Decision is the gateway's verdict (new, absorb, supersede,
		// queue, reject).
		Decision string
		// QueueDepth is the overflow depth after a queue decision.
		QueueDepth int
	}

	// TurnPromotedEvent fires when accumulation closes and the turn moves
	// to PROCESSING.
	TurnPromotedEvent struct {
		baseEvent
		// GroupID is the turn's supersede group.
		GroupID fabric.TurnGroupID
		// Reason records why accumulation closed.
		Reason turn.CompletionReason
		// Messages is the number of absorbed messages.
		Messages int
	}

	// TurnInterruptedEvent fires when the engine's probe surfaced a
	// pending message mid-pipeline.
	TurnInterruptedEvent struct {
		baseEvent
		// Phase is the last completed phase.
		Phase int
		// MessageID is the interrupting message.
		MessageID fabric.MessageID
		// Action is the engine's recommendation.
		Action brain.Action
	}

	// TurnSupersededEvent fires when a turn loses its group to a
	// successor.
	TurnSupersededEvent struct {
		baseEvent
		// SuccessorID is the replacing turn.
		SuccessorID fabric.TurnID
		// Reason distinguishes engine decisions from failure repairs.
		Reason string
	}

	// TurnCommittedEvent fires after a successful commit.
	TurnCommittedEvent struct {
		baseEvent
		// GroupID is the turn's supersede group.
		GroupID fabric.TurnGroupID
		// Segments counts the outbound response segments.
		Segments int
		// TokensUsed totals pipeline token consumption.
		TokensUsed int
		// LatencyMS measures first message to commit.
		LatencyMS int64
	}

	// TurnFailedEvent fires when a turn fails terminally.
	TurnFailedEvent struct {
		baseEvent
		// Reason is the terminal error text.
		Reason string
		// Compensated counts the side effects compensated on the way out.
		Compensated int
	}

	// SessionTransferredEvent fires when a conversation moves to another
	// agent.
	SessionTransferredEvent struct {
		baseEvent
		// FromAgent and ToAgent bracket the handoff.
		FromAgent fabric.AgentID
		ToAgent   fabric.AgentID
	}
)

const (
	// GatewayDecision fires for every classified inbound message.
	GatewayDecision EventType = "gateway_decision"
	// TurnPromoted fires when a turn enters PROCESSING.
	TurnPromoted EventType = "turn_promoted"
	// TurnInterrupted fires when a probe surfaces a pending message.
	TurnInterrupted EventType = "turn_interrupted"
	// TurnSuperseded fires when a successor replaces a turn.
	TurnSuperseded EventType = "turn_superseded"
	// TurnCommitted fires after a successful commit.
	TurnCommitted EventType = "turn_committed"
	// TurnFailed fires on terminal turn failure.
	TurnFailed EventType = "turn_failed"
	// SessionTransferred fires on agent handoff.
	SessionTransferred EventType = "session_transferred"
)

func newBaseEvent(key fabric.SessionKey, turnID fabric.TurnID) baseEvent {
	return baseEvent{key: key, turnID: turnID, timestamp: time.Now().UnixMilli()}
}

func (e baseEvent) SessionKey() fabric.SessionKey { return e.key }
func (e baseEvent) TurnID() fabric.TurnID         { return e.turnID }
func (e baseEvent) Timestamp() int64              { return e.timestamp }

// NewGatewayDecisionEvent records one gateway classification.
func NewGatewayDecisionEvent(key fabric.SessionKey, turnID fabric.TurnID, messageID fabric.MessageID, decision string, queueDepth int) *GatewayDecisionEvent {
	return &GatewayDecisionEvent{
		baseEvent:  newBaseEvent(key, turnID),
		MessageID:  messageID,
		Decision:   decision,
		QueueDepth: queueDepth,
	}
}

// NewTurnPromotedEvent records a turn's move to PROCESSING.
func NewTurnPromotedEvent(key fabric.SessionKey, turnID fabric.TurnID, groupID fabric.TurnGroupID, reason turn.CompletionReason, messages int) *TurnPromotedEvent {
	return &TurnPromotedEvent{
		baseEvent: newBaseEvent(key, turnID),
		GroupID:   groupID,
		Reason:    reason,
		Messages:  messages,
	}
}

// NewTurnInterruptedEvent records a probe interrupt.
func NewTurnInterruptedEvent(key fabric.SessionKey, turnID fabric.TurnID, phase int, messageID fabric.MessageID, action brain.Action) *TurnInterruptedEvent {
	return &TurnInterruptedEvent{
		baseEvent: newBaseEvent(key, turnID),
		Phase:     phase,
		MessageID: messageID,
		Action:    action,
	}
}

// NewTurnSupersededEvent records a supersession.
func NewTurnSupersededEvent(key fabric.SessionKey, turnID, successorID fabric.TurnID, reason string) *TurnSupersededEvent {
	return &TurnSupersededEvent{
		baseEvent:   newBaseEvent(key, turnID),
		SuccessorID: successorID,
		Reason:      reason,
	}
}

// NewTurnCommittedEvent records a successful commit.
func NewTurnCommittedEvent(key fabric.SessionKey, turnID fabric.TurnID, groupID fabric.TurnGroupID, segments, tokensUsed int, latencyMS int64) *TurnCommittedEvent {
	return &TurnCommittedEvent{
		baseEvent:  newBaseEvent(key, turnID),
		GroupID:    groupID,
		Segments:   segments,
		TokensUsed: tokensUsed,
		LatencyMS:  latencyMS,
	}
}

// NewTurnFailedEvent records a terminal failure.
func NewTurnFailedEvent(key fabric.SessionKey, turnID fabric.TurnID, reason string, compensated int) *TurnFailedEvent {
	return &TurnFailedEvent{
		baseEvent:   newBaseEvent(key, turnID),
		Reason:      reason,
		Compensated: compensated,
	}
}

// NewSessionTransferredEvent records an agent handoff.
func NewSessionTransferredEvent(key fabric.SessionKey, from, to fabric.AgentID) *SessionTransferredEvent {
	return &SessionTransferredEvent{
		baseEvent: newBaseEvent(key, ""),
		FromAgent: from,
		ToAgent:   to,
	}
}

func (e *GatewayDecisionEvent) Type() EventType    { return GatewayDecision }
func (e *TurnPromotedEvent) Type() EventType       { return TurnPromoted }
func (e *TurnInterruptedEvent) Type() EventType    { return TurnInterrupted }
func (e *TurnSupersededEvent) Type() EventType     { return TurnSuperseded }
func (e *TurnCommittedEvent) Type() EventType      { return TurnCommitted }
func (e *TurnFailedEvent) Type() EventType         { return TurnFailed }
func (e *SessionTransferredEvent) Type() EventType { return SessionTransferred }
