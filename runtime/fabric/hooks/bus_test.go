package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/turn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testKey(t *testing.T) fabric.SessionKey {
	t.Helper()
	key, err := fabric.NewSessionKey("acme", "support", "u1", fabric.ChannelWeb)
	require.NoError(t, err)
	return key
}

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	key := testKey(t)

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)
	evt1 := NewTurnPromotedEvent(key, "t1", "g1", turn.ReasonTimeout, 3)
	require.NoError(t, bus.Publish(ctx, evt1))
	evt2 := NewTurnCommittedEvent(key, "t1", "g1", 2, 140, 950)
	require.NoError(t, bus.Publish(ctx, evt2))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	key := testKey(t)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
			order = append(order, name)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish(ctx, NewTurnFailedEvent(key, "t1", "boom", 0)))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBusPublishStopsOnError(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	key := testKey(t)

	boom := errors.New("subscriber failed")
	reached := false
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		return boom
	}))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		reached = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(ctx, NewGatewayDecisionEvent(key, "t1", "m1", "queue", 4))
	require.ErrorIs(t, err, boom)
	require.False(t, reached)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	key := testKey(t)

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)
	evt1 := NewTurnSupersededEvent(key, "t1", "t2", "stale_context")
	require.NoError(t, bus.Publish(ctx, evt1))
	require.NoError(t, subscription.Close())
	require.NoError(t, subscription.Close())
	evt2 := NewSessionTransferredEvent(key, "support", "billing")
	require.NoError(t, bus.Publish(ctx, evt2))
	require.Equal(t, 1, count)
}
