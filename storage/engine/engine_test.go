package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rowsync/engine/hlc"
	storageapi "github.com/rowsync/engine/storage/api"
	"github.com/rowsync/engine/storage/memory"
)

func newTestEngine(t *testing.T, deviceID string) *Engine {
	t.Helper()
	adapter := memory.New("ns1")
	clockVal := uint64(1000)
	clock := func() uint64 { return clockVal }
	hlcSvc, err := hlc.New(deviceID, nil, clock)
	require.NoError(t, err)
	t.Cleanup(hlcSvc.Close)

	e, err := New(adapter, hlcSvc)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPutThenGetRoundTrips(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()

	res, err := e.Put(ctx, "books", "b1", rawJSON(t, map[string]string{"title": "Dune"}), PutOptions{})
	require.NoError(t, err)
	require.True(t, res.Applied)

	row, err := e.Get(ctx, "books", "b1")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.JSONEq(t, `{"title":"Dune"}`, string(row.Data))
}

func TestGetReturnsNilForMissingRow(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	row, err := e.Get(context.Background(), "books", "missing")
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestPutPreservesParentIDWhenOptionAbsent(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()
	parent := "shelf1"

	_, err := e.Put(ctx, "books", "b1", rawJSON(t, "v1"), PutOptions{ParentID: WithParentID(&parent)})
	require.NoError(t, err)

	res, err := e.Put(ctx, "books", "b1", rawJSON(t, "v2"), PutOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.ParentID)
	require.Equal(t, parent, *res.ParentID)
}

func TestPutExplicitNullParentIDClearsIt(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()
	parent := "shelf1"

	_, err := e.Put(ctx, "books", "b1", rawJSON(t, "v1"), PutOptions{ParentID: WithParentID(&parent)})
	require.NoError(t, err)

	res, err := e.Put(ctx, "books", "b1", rawJSON(t, "v2"), PutOptions{ParentID: WithParentID(nil)})
	require.NoError(t, err)
	require.Nil(t, res.ParentID)
}

func TestDeletePreservesParentIDAndTombstones(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()
	parent := "shelf1"
	_, err := e.Put(ctx, "books", "b1", rawJSON(t, "v1"), PutOptions{ParentID: WithParentID(&parent)})
	require.NoError(t, err)

	res, err := e.Delete(ctx, "books", "b1")
	require.NoError(t, err)
	require.True(t, res.Tombstone)
	require.NotNil(t, res.ParentID)
	require.Equal(t, parent, *res.ParentID)

	row, err := e.Get(ctx, "books", "b1")
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestDeleteAllWithParentTombstonesEveryLiveChild(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()
	parent := "shelf1"
	_, err := e.Put(ctx, "highlights", "h1", rawJSON(t, "v"), PutOptions{ParentID: WithParentID(&parent)})
	require.NoError(t, err)
	_, err = e.Put(ctx, "highlights", "h2", rawJSON(t, "v"), PutOptions{ParentID: WithParentID(&parent)})
	require.NoError(t, err)

	results, err := e.DeleteAllWithParent(ctx, "highlights", parent)
	require.NoError(t, err)
	require.Len(t, results, 2)

	rows, err := e.GetAllWithParent(ctx, "highlights", parent)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestBatchLocalAppliesAllOpsInOneHLCBatch(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()

	results, err := e.BatchLocal(ctx, []AtomicOp{
		PutOp("books", "b1", rawJSON(t, "v1"), PutOptions{}),
		PutOp("books", "b2", rawJSON(t, "v2"), PutOptions{}),
		DeleteOp("books", "b3"),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[0].Applied)
	require.True(t, results[1].Applied)

	require.True(t, results[0].HLC.Counter < results[1].HLC.Counter || results[0].HLC.WallMS < results[1].HLC.WallMS)
}

func TestApplyRemoteWinningRowInvalidatesAndLosingRowDoesNot(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()

	_, err := e.Put(ctx, "books", "b1", rawJSON(t, "local"), PutOptions{})
	require.NoError(t, err)
	local, err := e.Get(ctx, "books", "b1")
	require.NoError(t, err)

	losingRemote := storageapi.Row{
		Namespace: "ns1", CollectionID: "books", ID: "b1",
		Data:           rawJSON(t, "stale"),
		HLCTimestampMS: 0, HLCCounter: 0, HLCDeviceID: "deviceZ",
	}
	res, err := e.ApplyRemote(ctx, []storageapi.Row{losingRemote})
	require.NoError(t, err)
	require.Equal(t, 0, res.AppliedCount)

	row, err := e.Get(ctx, "books", "b1")
	require.NoError(t, err)
	require.JSONEq(t, string(local.Data), string(row.Data))

	winningRemote := storageapi.Row{
		Namespace: "ns1", CollectionID: "books", ID: "b1",
		Data:           rawJSON(t, "server"),
		HLCTimestampMS: local.HLCTimestampMS + 1000, HLCCounter: 0, HLCDeviceID: "deviceServer",
	}
	res2, err := e.ApplyRemote(ctx, []storageapi.Row{winningRemote})
	require.NoError(t, err)
	require.Equal(t, 1, res2.AppliedCount)

	row2, err := e.Get(ctx, "books", "b1")
	require.NoError(t, err)
	require.JSONEq(t, `"server"`, string(row2.Data))
}

func TestSubscribeReceivesLocalAndRemoteEvents(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()

	var mu sync.Mutex
	var events []ChangeEvent
	unsub := e.Subscribe(func(ev ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	defer unsub()

	_, err := e.Put(ctx, "books", "b1", rawJSON(t, "v"), PutOptions{})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, events, 1)
	require.Equal(t, SourceLocal, events[0].Source)
	mu.Unlock()

	_, err = e.ApplyRemote(ctx, []storageapi.Row{{
		Namespace: "ns1", CollectionID: "books", ID: "b2",
		Data:           rawJSON(t, "remote"),
		HLCTimestampMS: 2000, HLCCounter: 0, HLCDeviceID: "deviceServer",
	}})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, events, 2)
	require.Equal(t, SourceRemote, events[1].Source)
	mu.Unlock()
}

func TestSubscribeListenerPanicDoesNotStopOtherListeners(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()

	var called bool
	unsub1 := e.Subscribe(func(ChangeEvent) { panic("boom") })
	unsub2 := e.Subscribe(func(ChangeEvent) { called = true })
	defer unsub1()
	defer unsub2()

	_, err := e.Put(ctx, "books", "b1", rawJSON(t, "v"), PutOptions{})
	require.NoError(t, err)
	require.True(t, called)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()

	count := 0
	unsub := e.Subscribe(func(ChangeEvent) { count++ })
	unsub()

	_, err := e.Put(ctx, "books", "b1", rawJSON(t, "v"), PutOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestGetPendingAndRemovePendingThroughPassThrough(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()

	_, err := e.Put(ctx, "books", "b1", rawJSON(t, "v1"), PutOptions{})
	require.NoError(t, err)
	_, err = e.Put(ctx, "books", "b2", rawJSON(t, "v2"), PutOptions{})
	require.NoError(t, err)

	pending, err := e.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, uint64(1), pending[0].Sequence)
	require.Equal(t, uint64(2), pending[1].Sequence)

	require.NoError(t, e.RemovePendingThrough(ctx, 1))
	remaining, err := e.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, uint64(2), remaining[0].Sequence)
}

func TestPendingSequenceSeedsFromAdapterOnRestart(t *testing.T) {
	adapter := memory.New("ns1")
	require.NoError(t, adapter.AppendPending(context.Background(), []storageapi.PendingOp{
		{Sequence: 1}, {Sequence: 2}, {Sequence: 5},
	}))

	hlcSvc, err := hlc.New("deviceA", nil, func() uint64 { return 1000 })
	require.NoError(t, err)
	defer hlcSvc.Close()

	e, err := New(adapter, hlcSvc)
	require.NoError(t, err)
	defer e.Close()

	res, err := e.Put(context.Background(), "books", "b1", rawJSON(t, "v"), PutOptions{})
	require.NoError(t, err)
	require.True(t, res.Applied)

	pending, err := e.GetPending(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, uint64(6), pending[len(pending)-1].Sequence)
}

func TestKVPassthrough(t *testing.T) {
	e := newTestEngine(t, "deviceA")
	ctx := context.Background()
	require.NoError(t, e.PutKV(ctx, "cursor", rawJSON(t, map[string]int{"v": 1})))
	v, err := e.GetKV(ctx, "cursor")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(v))
	require.NoError(t, e.DeleteKV(ctx, "cursor"))
}
