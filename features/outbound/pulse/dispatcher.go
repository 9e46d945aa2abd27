// Package pulse exposes an outbound.Dispatcher that publishes committed
// envelopes to goa.design/pulse streams, one stream per channel kind.
// Channel adapter fleets subscribe to their channel's stream and translate
// envelopes to the wire.
//
// Delivery is at-least-once: commit retries republish the same envelope and
// adapters dedup on the turn ID carried in the payload.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/acf/features/outbound/pulse/clients/pulse"
	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/outbound"
)

const (
	// DefaultStreamPrefix namespaces outbound streams in Redis.
	DefaultStreamPrefix = "acf:outbound:"
	// eventTurnResponse is the Pulse event name for committed responses.
	eventTurnResponse = "turn_response"
)

type (
	// Options configures the Pulse dispatcher.
	Options struct {
		// Client is the Pulse client used to publish envelopes. Required.
		Client clientspulse.Client
		// StreamPrefix namespaces per-channel streams. Defaults to
		// DefaultStreamPrefix.
		StreamPrefix string
		// StreamName derives the target stream from an envelope. Defaults
		// to prefix + channel kind, so adapters shard by channel.
		StreamName func(*outbound.Envelope) (string, error)
	}

	// Dispatcher publishes committed envelopes into Pulse streams. Safe for
	// concurrent use.
	Dispatcher struct {
		client     clientspulse.Client
		streamName func(*outbound.Envelope) (string, error)
	}

	// wireEnvelope is the JSON form of an envelope on the stream.
	wireEnvelope struct {
		SessionKey  string      `json:"session_key"`
		TurnID      string      `json:"turn_id"`
		TurnGroupID string      `json:"turn_group_id,omitempty"`
		Segments    []string    `json:"segments,omitempty"`
		Events      []wireEvent `json:"events,omitempty"`
		At          time.Time   `json:"at"`
	}

	wireEvent struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

var _ outbound.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher constructs a Pulse-backed dispatcher. The Client field in
// opts is required.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	prefix := opts.StreamPrefix
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	name := opts.StreamName
	if name == nil {
		name = func(env *outbound.Envelope) (string, error) {
			channel := env.SessionKey.Channel()
			if channel == "" {
				return "", fmt.Errorf("session key %q has no channel", env.SessionKey)
			}
			return prefix + string(channel), nil
		}
	}
	return &Dispatcher{client: opts.Client, streamName: name}, nil
}

// Dispatch publishes the envelope on its channel's stream.
func (d *Dispatcher) Dispatch(ctx context.Context, env *outbound.Envelope) error {
	if env == nil {
		return errors.New("envelope is required")
	}
	if env.SessionKey == "" {
		return errors.New("envelope session key is required")
	}
	if env.TurnID == "" {
		return errors.New("envelope turn id is required")
	}
	name, err := d.streamName(env)
	if err != nil {
		return err
	}
	handle, err := d.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(toWire(env))
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := handle.Add(ctx, eventTurnResponse, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the dispatcher.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.client.Close(ctx)
}

func toWire(env *outbound.Envelope) wireEnvelope {
	wire := wireEnvelope{
		SessionKey:  string(env.SessionKey),
		TurnID:      string(env.TurnID),
		TurnGroupID: string(env.TurnGroupID),
		Segments:    env.Segments,
		At:          time.Now().UTC(),
	}
	for _, ev := range env.Events {
		wire.Events = append(wire.Events, wireEvent{Name: ev.Name, Payload: ev.Payload})
	}
	return wire
}

func fromWire(payload []byte) (*outbound.Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}
	env := &outbound.Envelope{
		SessionKey:  fabric.SessionKey(wire.SessionKey),
		TurnID:      fabric.TurnID(wire.TurnID),
		TurnGroupID: fabric.TurnGroupID(wire.TurnGroupID),
		Segments:    wire.Segments,
	}
	for _, ev := range wire.Events {
		env.Events = append(env.Events, outbound.Event{Name: ev.Name, Payload: ev.Payload})
	}
	return env, nil
}
