// Package outbound defines the normalized response envelope the fabric
// hands to channel adapters. The fabric never speaks wire protocols;
// adapters translate envelopes to WhatsApp, SMS, web push, and the rest.
package outbound

import (
	"context"
	"encoding/json"

	"goa.design/acf/runtime/fabric"
)

type (
	// Event is one structured side-channel event emitted alongside the
	// response segments (typing indicators, scenario checkpoints, UI
	// directives).
	Event struct {
		// Name identifies the event type.
		Name string
		// Payload is the opaque event body.
		Payload json.RawMessage
	}

	// Draft is the channel-agnostic response body produced by the
	// cognitive engine, before the fabric stamps turn identities on it.
	Draft struct {
		// Segments are the response parts, in send order. Channel adapters
		// split or join them according to the channel's message model.
		Segments []string
		// Events are the structured events accompanying the segments.
		Events []Event
	}

	// Envelope is the committed outbound unit.
	Envelope struct {
		// SessionKey identifies the conversation.
		SessionKey fabric.SessionKey
		// TurnID is the committed turn that produced the response.
		TurnID fabric.TurnID
		// TurnGroupID is stable across supersede chains; adapters that
		// buffer responses key their replacement logic on it.
		TurnGroupID fabric.TurnGroupID
		// Segments and Events mirror the committed draft.
		Segments []string
		Events   []Event
	}

	// Dispatcher hands committed envelopes to the channel adapter layer.
	//
	// Delivery is at-least-once: commit retries may dispatch the same
	// envelope again, and consumers dedup on TurnID.
	Dispatcher interface {
		Dispatch(ctx context.Context, env *Envelope) error
	}
)

// NewEnvelope stamps a draft with the identities of the committing turn.
func NewEnvelope(key fabric.SessionKey, turnID fabric.TurnID, groupID fabric.TurnGroupID, draft Draft) *Envelope {
	return &Envelope{
		SessionKey:  key,
		TurnID:      turnID,
		TurnGroupID: groupID,
		Segments:    draft.Segments,
		Events:      draft.Events,
	}
}
