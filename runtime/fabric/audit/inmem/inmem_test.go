package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/audit"
)

const key = fabric.SessionKey("acme:support:u42:web")

func TestAppendAssignsSequentialIDs(t *testing.T) {
	sink := New()
	ctx := context.Background()

	for i, id := range []fabric.TurnID{"t1", "t2", "t3"} {
		rec := &audit.TurnRecord{SessionKey: key, TurnID: id, BeatID: id}
		require.NoError(t, sink.Append(ctx, rec))
		require.Len(t, sink.records[key], i+1)
		require.NotEmpty(t, rec.ID)
	}

	require.Error(t, sink.Append(ctx, nil))
	require.Error(t, sink.Append(ctx, &audit.TurnRecord{TurnID: "t4"}))
	require.Error(t, sink.Append(ctx, &audit.TurnRecord{SessionKey: key}))
}

func TestListPagesForward(t *testing.T) {
	sink := New()
	ctx := context.Background()

	for _, id := range []fabric.TurnID{"t1", "t2", "t3", "t4", "t5"} {
		require.NoError(t, sink.Append(ctx, &audit.TurnRecord{SessionKey: key, TurnID: id}))
	}

	page, err := sink.List(ctx, key, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, fabric.TurnID("t1"), page.Records[0].TurnID)
	require.NotEmpty(t, page.NextCursor)

	page, err = sink.List(ctx, key, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, fabric.TurnID("t3"), page.Records[0].TurnID)

	page, err = sink.List(ctx, key, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Empty(t, page.NextCursor)

	empty, err := sink.List(ctx, "acme:support:u99:web", "", 10)
	require.NoError(t, err)
	require.Empty(t, empty.Records)

	_, err = sink.List(ctx, key, "not-a-cursor", 2)
	require.Error(t, err)
}
