package badger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	storageapi "github.com/rowsync/engine/storage/api"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{Namespace: "ns1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBadgerApplyRowsEnforcesLWW(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.ApplyRows(ctx, []storageapi.Row{{
		Namespace: "ns1", CollectionID: "books", ID: "b1",
		HLCTimestampMS: 9000, HLCCounter: 0, HLCDeviceID: "deviceZ",
	}})
	require.NoError(t, err)

	outcomes, err := a.ApplyRows(ctx, []storageapi.Row{{
		Namespace: "ns1", CollectionID: "books", ID: "b1",
		HLCTimestampMS: 1000, HLCCounter: 0, HLCDeviceID: "deviceA",
	}})
	require.NoError(t, err)
	require.False(t, outcomes[0].Written)
}

func TestBadgerNamespaceMismatch(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.ApplyRows(context.Background(), []storageapi.Row{{
		Namespace: "other", CollectionID: "books", ID: "b1", HLCDeviceID: "d",
	}})
	require.Error(t, err)
}

func TestBadgerPendingOrderingAndRemoveThrough(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.AppendPending(ctx, []storageapi.PendingOp{
		{Sequence: 1}, {Sequence: 2}, {Sequence: 3},
	}))

	pending, err := a.GetPending(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, []uint64{pending[0].Sequence, pending[1].Sequence})

	require.NoError(t, a.RemovePendingThrough(ctx, 2))
	remaining, err := a.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, uint64(3), remaining[0].Sequence)
}

func TestBadgerKVRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	val, err := json.Marshal(map[string]int{"committedTimestampMs": 5})
	require.NoError(t, err)
	require.NoError(t, a.PutKV(ctx, "cursor", val))

	got, err := a.GetKV(ctx, "cursor")
	require.NoError(t, err)
	require.JSONEq(t, string(val), string(got))

	require.NoError(t, a.DeleteKV(ctx, "cursor"))
	got2, err := a.GetKV(ctx, "cursor")
	require.NoError(t, err)
	require.Nil(t, got2)
}

func TestBadgerQueryExcludesTombstonesByDefault(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	_, err := a.ApplyRows(ctx, []storageapi.Row{
		{Namespace: "ns1", CollectionID: "books", ID: "b1", Tombstone: true, HLCDeviceID: "d", HLCTimestampMS: 1},
	})
	require.NoError(t, err)

	rows, err := a.Query(ctx, storageapi.QueryFilter{CollectionID: "books"})
	require.NoError(t, err)
	require.Len(t, rows, 0)

	rowsWithTombstones, err := a.Query(ctx, storageapi.QueryFilter{CollectionID: "books", IncludeTombstones: true})
	require.NoError(t, err)
	require.Len(t, rowsWithTombstones, 1)
}
