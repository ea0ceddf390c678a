package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	storageapi "github.com/rowsync/engine/storage/api"
)

func strp(s string) *string { return &s }

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestApplyRowsRejectsNamespaceMismatch(t *testing.T) {
	a := New("ns1")
	_, err := a.ApplyRows(context.Background(), []storageapi.Row{{
		Namespace: "ns2", CollectionID: "books", ID: "b1",
		HLCTimestampMS: 1, HLCDeviceID: "d1",
	}})
	require.Error(t, err)
}

func TestLWWLoserDoesNotReplaceRow(t *testing.T) {
	a := New("ns1")
	ctx := context.Background()

	_, err := a.ApplyRows(ctx, []storageapi.Row{{
		Namespace: "ns1", CollectionID: "books", ID: "b1",
		Data: rawJSON(t, map[string]string{"title": "Dune"}),
		HLCTimestampMS: 9000, HLCCounter: 0, HLCDeviceID: "deviceZ",
	}})
	require.NoError(t, err)

	outcomes, err := a.ApplyRows(ctx, []storageapi.Row{{
		Namespace: "ns1", CollectionID: "books", ID: "b1",
		Data: rawJSON(t, map[string]string{"title": "x"}),
		HLCTimestampMS: 1000, HLCCounter: 0, HLCDeviceID: "deviceA",
	}})
	require.NoError(t, err)
	require.False(t, outcomes[0].Written)

	rows, err := a.Query(ctx, storageapi.QueryFilter{CollectionID: "books"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.JSONEq(t, `{"title":"Dune"}`, string(rows[0].Data))
}

func TestTieBreakByDeviceID(t *testing.T) {
	a := New("ns1")
	ctx := context.Background()

	seq := []string{"deviceA", "deviceZ", "deviceB"}
	var applied []bool
	for _, dev := range seq {
		outcomes, err := a.ApplyRows(ctx, []storageapi.Row{{
			Namespace: "ns1", CollectionID: "books", ID: "b1",
			HLCTimestampMS: 9000, HLCCounter: 2, HLCDeviceID: dev,
		}})
		require.NoError(t, err)
		applied = append(applied, outcomes[0].Written)
	}
	require.Equal(t, []bool{true, true, false}, applied)

	rows, err := a.Query(ctx, storageapi.QueryFilter{CollectionID: "books"})
	require.NoError(t, err)
	require.Equal(t, "deviceZ", rows[0].HLCDeviceID)
}

func TestDuplicateSignatureWithinBatchReportsFirstOnly(t *testing.T) {
	a := New("ns1")
	row := storageapi.Row{
		Namespace: "ns1", CollectionID: "books", ID: "b1",
		HLCTimestampMS: 1000, HLCCounter: 0, HLCDeviceID: "deviceA",
	}
	outcomes, err := a.ApplyRows(context.Background(), []storageapi.Row{row, row})
	require.NoError(t, err)
	require.True(t, outcomes[0].Written)
	require.False(t, outcomes[1].Written)
}

func TestApplyIdempotenceAcrossTwoCalls(t *testing.T) {
	a := New("ns1")
	ctx := context.Background()
	row := storageapi.Row{
		Namespace: "ns1", CollectionID: "books", ID: "b1",
		HLCTimestampMS: 1000, HLCCounter: 0, HLCDeviceID: "deviceA",
	}
	out1, err := a.ApplyRows(ctx, []storageapi.Row{row})
	require.NoError(t, err)
	out2, err := a.ApplyRows(ctx, []storageapi.Row{row})
	require.NoError(t, err)
	writtenCount := 0
	if out1[0].Written {
		writtenCount++
	}
	if out2[0].Written {
		writtenCount++
	}
	require.Equal(t, 1, writtenCount)
}

func TestQueryFiltersByParentIDAndTombstone(t *testing.T) {
	a := New("ns1")
	ctx := context.Background()
	parent := "b1"
	_, err := a.ApplyRows(ctx, []storageapi.Row{
		{Namespace: "ns1", CollectionID: "highlights", ID: "h1", ParentID: &parent, HLCTimestampMS: 1, HLCDeviceID: "d"},
		{Namespace: "ns1", CollectionID: "highlights", ID: "h2", ParentID: &parent, HLCTimestampMS: 1, HLCDeviceID: "d"},
		{Namespace: "ns1", CollectionID: "highlights", ID: "h3", ParentID: strp("b2"), HLCTimestampMS: 1, HLCDeviceID: "d"},
		{Namespace: "ns1", CollectionID: "highlights", ID: "h4", ParentID: &parent, Tombstone: true, HLCTimestampMS: 1, HLCDeviceID: "d"},
	})
	require.NoError(t, err)

	rows, err := a.Query(ctx, storageapi.QueryFilter{CollectionID: "highlights", ParentID: &parent})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rowsWithTombstones, err := a.Query(ctx, storageapi.QueryFilter{CollectionID: "highlights", ParentID: &parent, IncludeTombstones: true})
	require.NoError(t, err)
	require.Len(t, rowsWithTombstones, 3)
}

func TestPendingAppendGetAndRemoveThrough(t *testing.T) {
	a := New("ns1")
	ctx := context.Background()
	require.NoError(t, a.AppendPending(ctx, []storageapi.PendingOp{
		{Sequence: 1, Kind: storageapi.PendingOpPut},
		{Sequence: 2, Kind: storageapi.PendingOpPut},
		{Sequence: 3, Kind: storageapi.PendingOpDelete},
	}))

	pending, err := a.GetPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, uint64(1), pending[0].Sequence)

	require.NoError(t, a.RemovePendingThrough(ctx, 2))
	remaining, err := a.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, uint64(3), remaining[0].Sequence)
}

func TestKVRoundTrip(t *testing.T) {
	a := New("ns1")
	ctx := context.Background()
	require.NoError(t, a.PutKV(ctx, "k", rawJSON(t, map[string]int{"v": 1})))
	v, err := a.GetKV(ctx, "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(v))

	require.NoError(t, a.DeleteKV(ctx, "k"))
	v2, err := a.GetKV(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, v2)
}

func TestGetPendingRejectsNonPositiveLimit(t *testing.T) {
	a := New("ns1")
	_, err := a.GetPending(context.Background(), 0)
	require.Error(t, err)
}
