package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/outbound"
)

func TestSubscribeEmitsEnvelopes(t *testing.T) {
	client := newFakePulse()
	d, err := NewDispatcher(Options{Client: client})
	require.NoError(t, err)
	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)
	ctx := context.Background()

	envs, errs, cancel, err := sub.Subscribe(ctx, fabric.ChannelWeb)
	require.NoError(t, err)
	defer cancel()

	sent := outbound.NewEnvelope("acme:support:u42:web", "turn-1", "group-1", outbound.Draft{
		Segments: []string{"hello"},
		Events:   []outbound.Event{{Name: "scenario_checkpoint", Payload: json.RawMessage(`{"step":"s1"}`)}},
	})
	require.NoError(t, d.Dispatch(ctx, sent))

	select {
	case got := <-envs:
		assert.Equal(t, sent.SessionKey, got.SessionKey)
		assert.Equal(t, sent.TurnID, got.TurnID)
		assert.Equal(t, sent.TurnGroupID, got.TurnGroupID)
		assert.Equal(t, sent.Segments, got.Segments)
		require.Len(t, got.Events, 1)
		assert.Equal(t, "scenario_checkpoint", got.Events[0].Name)
		assert.JSONEq(t, `{"step":"s1"}`, string(got.Events[0].Payload))
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestSubscribeDecoderError(t *testing.T) {
	client := newFakePulse()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	envs, errs, cancel, err := sub.Subscribe(ctx, fabric.ChannelWeb)
	require.NoError(t, err)
	defer cancel()

	stream := client.stream("acf:outbound:web")
	require.NotNil(t, stream)
	stream.events <- &streaming.Event{EventName: "turn_response", Payload: []byte("{not json")}

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "decode envelope")
	case <-envs:
		t.Fatal("expected decode error, got envelope")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestSubscribeRequiresChannel(t *testing.T) {
	sub, err := NewSubscriber(SubscriberOptions{Client: newFakePulse()})
	require.NoError(t, err)

	_, _, _, err = sub.Subscribe(context.Background(), "")
	require.Error(t, err)
}

func TestSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}
