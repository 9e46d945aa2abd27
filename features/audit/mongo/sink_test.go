package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/audit"
)

type fakeClient struct {
	appendFn func(ctx context.Context, rec *audit.TurnRecord) error
	listFn   func(ctx context.Context, key fabric.SessionKey, cursor string, limit int) (audit.Page, error)
}

func (f *fakeClient) Name() string               { return "fake" }
func (f *fakeClient) Ping(context.Context) error { return nil }
func (f *fakeClient) Append(ctx context.Context, rec *audit.TurnRecord) error {
	return f.appendFn(ctx, rec)
}
func (f *fakeClient) List(ctx context.Context, key fabric.SessionKey, cursor string, limit int) (audit.Page, error) {
	return f.listFn(ctx, key, cursor, limit)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(nil)
	require.EqualError(t, err, "client is required")
}

func TestSinkDelegates(t *testing.T) {
	rec := &audit.TurnRecord{SessionKey: "acme:support:u42:web", TurnID: "turn-1"}
	want := audit.Page{NextCursor: "abc"}
	fake := &fakeClient{
		appendFn: func(_ context.Context, got *audit.TurnRecord) error {
			require.Same(t, rec, got)
			return nil
		},
		listFn: func(_ context.Context, key fabric.SessionKey, cursor string, limit int) (audit.Page, error) {
			require.Equal(t, fabric.SessionKey("acme:support:u42:web"), key)
			require.Equal(t, "abc", cursor)
			require.Equal(t, 20, limit)
			return want, nil
		},
	}
	sink, err := NewSink(fake)
	require.NoError(t, err)

	require.NoError(t, sink.Append(context.Background(), rec))
	page, err := sink.List(context.Background(), "acme:support:u42:web", "abc", 20)
	require.NoError(t, err)
	require.Equal(t, want, page)
}
