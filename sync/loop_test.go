package sync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rowsync/engine/connection"
	"github.com/rowsync/engine/hlc"
	storageapi "github.com/rowsync/engine/storage/api"
	"github.com/rowsync/engine/storage/engine"
	"github.com/rowsync/engine/storage/memory"
	transportapi "github.com/rowsync/engine/transport/api"
	transportmemory "github.com/rowsync/engine/transport/memory"
)

// fakeDriver is a manually-driven connection.Driver test double,
// mirroring connection/connection_test.go's fakeDriver.
type fakeDriver struct {
	mu        sync.Mutex
	listeners []connection.Listener
	current   connection.State
}

func newFakeDriver(initial connection.State) *fakeDriver {
	return &fakeDriver{current: initial}
}

func (d *fakeDriver) Subscribe(listener connection.Listener) (unsubscribe func()) {
	d.mu.Lock()
	d.listeners = append(d.listeners, listener)
	cur := d.current
	d.mu.Unlock()
	listener(cur)
	return func() {}
}

func (d *fakeDriver) push(s connection.State) {
	d.mu.Lock()
	d.current = s
	listeners := append([]connection.Listener{}, d.listeners...)
	d.mu.Unlock()
	for _, l := range listeners {
		l(s)
	}
}

func newTestHarness(t *testing.T, initial connection.State, onError OnErrorFunc) (*Loop, *engine.Engine, *transportmemory.Transport, *fakeDriver) {
	t.Helper()
	adapter := memory.New("ns1")
	hlcSvc, err := hlc.New("devA", nil, func() uint64 { return 1000 })
	require.NoError(t, err)
	eng, err := engine.New(adapter, hlcSvc)
	require.NoError(t, err)

	driver := newFakeDriver(initial)
	connMgr := connection.NewManager(driver)
	tr := transportmemory.New()

	loop := NewLoop(Config{
		Namespace:     "ns1",
		Engine:        eng,
		Transport:     tr,
		ConnManager:   connMgr,
		IntervalMS:    20,
		PushBatchSize: 10,
		PullLimit:     10,
		OnError:       onError,
	})
	return loop, eng, tr, driver
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.FailNow(t, "condition never became true")
}

func TestStartWhileConnectedPushesPendingOpsImmediately(t *testing.T) {
	loop, eng, tr, _ := newTestHarness(t, connection.Connected, nil)
	defer loop.Close()

	_, err := eng.Put(context.Background(), "books", "b1", json.RawMessage(`{"title":"a"}`), engine.PutOptions{})
	require.NoError(t, err)

	ack := uint64(1)
	tr.PushFn = func(ctx context.Context, req transportapi.PushRequest) (transportapi.PushResponse, error) {
		return transportapi.PushResponse{AcknowledgedThroughSequence: &ack}, nil
	}

	require.NoError(t, loop.Start(context.Background()))

	waitFor(t, time.Second, func() bool { return len(tr.PushCalls) > 0 })
	pending, err := eng.GetPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPullAppliesServerChangesAndPersistsCursor(t *testing.T) {
	loop, eng, tr, _ := newTestHarness(t, connection.Connected, nil)
	defer loop.Close()

	nextCursor := storageapi.Cursor{CommittedTimestampMS: 5, CollectionID: "books", ID: "b1"}
	called := false
	tr.PullFn = func(ctx context.Context, req transportapi.PullRequest) (transportapi.PullResponse, error) {
		if called {
			return transportapi.PullResponse{HasMore: false}, nil
		}
		called = true
		return transportapi.PullResponse{
			Changes: []storageapi.Row{{
				Namespace: "ns1", CollectionID: "books", ID: "b1",
				Data: json.RawMessage(`{"title":"remote"}`),
				CommittedTimestampMS: 5,
				HLCTimestampMS: 5, HLCCounter: 0, HLCDeviceID: "server",
			}},
			NextCursor: &nextCursor,
			HasMore:    false,
		}, nil
	}

	require.NoError(t, loop.Start(context.Background()))

	waitFor(t, time.Second, func() bool {
		row, err := eng.Get(context.Background(), "books", "b1")
		return err == nil && row != nil
	})

	raw, err := eng.GetKV(context.Background(), DefaultCursorKey)
	require.NoError(t, err)
	require.NotNil(t, raw)
	var stored storageapi.Cursor
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, nextCursor, stored)
}

func TestNeedsAuthEventReportsErrorWithoutCrashing(t *testing.T) {
	var mu sync.Mutex
	var gotErr error
	loop, _, tr, _ := newTestHarness(t, connection.Connected, func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	})
	defer loop.Close()

	require.NoError(t, loop.Start(context.Background()))
	tr.Emit(transportapi.Event{Kind: transportapi.EventNeedsAuth})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotErr != nil
	})
	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, gotErr.Error(), "AuthRequired")
}

func TestServerChangesEventAppliesWithoutWaitingForCycle(t *testing.T) {
	loop, eng, tr, driver := newTestHarness(t, connection.Offline, nil)
	defer loop.Close()

	require.NoError(t, loop.Start(context.Background()))
	driver.push(connection.Offline)

	tr.Emit(transportapi.Event{
		Kind: transportapi.EventServerChanges,
		Changes: []storageapi.Row{{
			Namespace: "ns1", CollectionID: "books", ID: "b2",
			Data: json.RawMessage(`{"title":"pushed"}`),
			CommittedTimestampMS: 7,
			HLCTimestampMS: 7, HLCCounter: 0, HLCDeviceID: "server",
		}},
	})

	waitFor(t, time.Second, func() bool {
		row, err := eng.Get(context.Background(), "books", "b2")
		return err == nil && row != nil
	})
}

func TestConnectionTransitionIntoConnectedTriggersImmediateCycle(t *testing.T) {
	loop, _, tr, driver := newTestHarness(t, connection.Offline, nil)
	defer loop.Close()

	require.NoError(t, loop.Start(context.Background()))
	driver.push(connection.Connected)

	waitFor(t, time.Second, func() bool { return len(tr.PullCalls) > 0 })
}

func TestStopPreventsFurtherCycles(t *testing.T) {
	loop, _, tr, driver := newTestHarness(t, connection.Connected, nil)
	defer loop.Close()

	require.NoError(t, loop.Start(context.Background()))
	waitFor(t, time.Second, func() bool { return len(tr.PullCalls) > 0 })

	require.NoError(t, loop.Stop(context.Background()))
	callsAtStop := len(tr.PullCalls)

	time.Sleep(50 * time.Millisecond)
	driver.push(connection.Offline)
	driver.push(connection.Connected)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, callsAtStop, len(tr.PullCalls))
}

func TestMalformedCursorIsTreatedAsAbsentAndReported(t *testing.T) {
	var gotErr error
	var mu sync.Mutex
	loop, eng, tr, _ := newTestHarness(t, connection.Connected, func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	})
	defer loop.Close()

	require.NoError(t, eng.PutKV(context.Background(), DefaultCursorKey, json.RawMessage(`"not-an-object"`)))

	tr.PullFn = func(ctx context.Context, req transportapi.PullRequest) (transportapi.PullResponse, error) {
		require.Nil(t, req.Cursor)
		return transportapi.PullResponse{HasMore: false}, nil
	}

	require.NoError(t, loop.Start(context.Background()))

	waitFor(t, time.Second, func() bool { return len(tr.PullCalls) > 0 })
	mu.Lock()
	defer mu.Unlock()
	require.Error(t, gotErr)
}
