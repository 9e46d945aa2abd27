package pulse

import (
	"context"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/acf/features/outbound/pulse/clients/pulse"
	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/outbound"
)

type (
	// EnvelopeDecoder converts raw stream payloads into envelopes. Custom
	// decoders handle non-standard wire formats.
	EnvelopeDecoder func([]byte) (*outbound.Envelope, error)

	// SubscriberOptions configures a Pulse-backed envelope subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume envelopes. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Adapters in the
		// same fleet share a name so each envelope is delivered once per
		// fleet. Defaults to "acf_adapter".
		SinkName string
		// StreamPrefix must match the dispatcher's. Defaults to
		// DefaultStreamPrefix.
		StreamPrefix string
		// Buffer specifies the envelope channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes payloads. Defaults to the built-in JSON
		// decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes one channel's outbound stream and emits committed
	// envelopes for the adapter to translate to the wire.
	Subscriber struct {
		client clientspulse.Client
		prefix string
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "acf_adapter"
	}
	prefix := opts.StreamPrefix
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = fromWire
	}
	return &Subscriber{
		client: opts.Client,
		prefix: prefix,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a consumer group on the channel's outbound stream and
// returns channels for envelopes and errors. The returned cancel function
// stops consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	envs, errs, cancel, err := sub.Subscribe(ctx, fabric.ChannelWhatsApp)
//	defer cancel()
//	for env := range envs {
//	    // translate and send
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	channel fabric.ChannelKind,
	opts ...streamopts.Sink,
) (<-chan *outbound.Envelope, <-chan error, context.CancelFunc, error) {
	if channel == "" {
		return nil, nil, nil, errors.New("channel kind is required")
	}
	str, err := s.client.Stream(s.prefix + string(channel))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	envs := make(chan *outbound.Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, envs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return envs, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink, decodes them, and emits them on
// the out channel. Each event is acked only after successful emission, so a
// crashed adapter replays unacked envelopes to its fleet.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- *outbound.Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			env, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode envelope: %w", err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}
