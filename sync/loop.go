// Package sync implements the Sync Loop from spec.md §4.6: a single
// serial queue driving non-overlapping push/pull cycles whenever the
// connection manager reports `connected`, fed by connection-state
// transitions, transport-pushed server events, and a reschedule timer.
//
// The control shape is grounded directly on
// worker/storage/committee/node.go's worker(): one goroutine owns all
// mutable cycle state, reads an eapache/channels.InfiniteChannel for
// inbound events (there: blocks; here: connection transitions and
// transport events), and applies work strictly in arrival order with
// no overlap between applies and cycles — generalized from
// round-ordered MKVS sync to push-then-pull row sync.
package sync

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/eapache/channels"

	"github.com/rowsync/engine/common/errs"
	"github.com/rowsync/engine/common/logging"
	"github.com/rowsync/engine/common/metrics"
	"github.com/rowsync/engine/connection"
	storageapi "github.com/rowsync/engine/storage/api"
	"github.com/rowsync/engine/storage/engine"
	transportapi "github.com/rowsync/engine/transport/api"
)

// DefaultCursorKey is the KV key the loop persists its pull cursor
// under, per spec.md §6.
const DefaultCursorKey = "sync.cursor.v1"

// OnErrorFunc receives every error the loop would otherwise swallow:
// phase failures, cursor shape violations, and needsAuth signals.
type OnErrorFunc func(error)

// Config configures a Loop.
type Config struct {
	Namespace     string
	Engine        *engine.Engine
	Transport     transportapi.Transport
	ConnManager   *connection.Manager
	CursorKey     string
	IntervalMS    int
	PushBatchSize int
	PullLimit     int
	OnError       OnErrorFunc
}

type connStateEvent struct{ state connection.State }
type transportEventMsg struct{ event transportapi.Event }
type cycleTriggerEvent struct{}

// Loop is the Sync Loop from spec.md §4.6.
type Loop struct {
	namespace     string
	engine        *engine.Engine
	transport     transportapi.Transport
	connMgr       *connection.Manager
	cursorKey     string
	intervalMS    int
	pushBatchSize int
	pullLimit     int
	onError       OnErrorFunc
	logger        *logging.Logger

	events *channels.InfiniteChannel

	startCh chan chan error
	stopCh  chan chan error
	quitCh  chan struct{}

	cycleQueuedFlag int32

	// fields below are owned exclusively by run(), never touched from
	// another goroutine.
	started        bool
	timer          *time.Timer
	lastConnState  connection.State
	connUnsub      func()
	transportUnsub func()
}

// NewLoop constructs a Loop. Its serial goroutine starts immediately,
// but no cycles run until Start is called.
func NewLoop(cfg Config) *Loop {
	metrics.Register()
	cursorKey := cfg.CursorKey
	if cursorKey == "" {
		cursorKey = DefaultCursorKey
	}
	l := &Loop{
		namespace:     cfg.Namespace,
		engine:        cfg.Engine,
		transport:     cfg.Transport,
		connMgr:       cfg.ConnManager,
		cursorKey:     cursorKey,
		intervalMS:    cfg.IntervalMS,
		pushBatchSize: cfg.PushBatchSize,
		pullLimit:     cfg.PullLimit,
		onError:       cfg.OnError,
		logger:        logging.GetLogger("sync").With("namespace", cfg.Namespace),
		events:        channels.NewInfiniteChannel(),
		startCh:       make(chan chan error),
		stopCh:        make(chan chan error),
		quitCh:        make(chan struct{}),
	}
	go l.run()
	return l
}

// Start implements spec.md §4.6's start(): subscribes to the
// connection manager and transport event stream, enqueueing an
// immediate cycle if already connected.
func (l *Loop) Start(ctx context.Context) error {
	respCh := make(chan error, 1)
	select {
	case l.startCh <- respCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-respCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop implements spec.md §4.6's stop(): clears the timer, unsubscribes
// both listeners, and refuses further enqueues. Because the loop's
// cycle/event processing and this control message share one serial
// goroutine, any in-flight cycle always runs to completion before Stop
// is serviced.
func (l *Loop) Stop(ctx context.Context) error {
	respCh := make(chan error, 1)
	select {
	case l.stopCh <- respCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-respCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close permanently stops the loop's serial goroutine.
func (l *Loop) Close() {
	close(l.quitCh)
}

func (l *Loop) run() {
	ctx := context.Background()
	for {
		select {
		case <-l.quitCh:
			return
		case respCh := <-l.startCh:
			respCh <- l.handleStart()
		case respCh := <-l.stopCh:
			respCh <- l.handleStop()
		case raw := <-l.events.Out():
			l.handleEvent(ctx, raw)
		}
	}
}

func (l *Loop) handleStart() error {
	if l.started {
		return errs.New(errs.KindInvalidArgument, "sync loop already started")
	}
	l.started = true
	l.lastConnState = l.connMgr.State()
	l.connUnsub = l.connMgr.Subscribe(func(s connection.State) {
		l.events.In() <- connStateEvent{state: s}
	})
	l.transportUnsub = l.transport.OnEvent(func(e transportapi.Event) {
		l.events.In() <- transportEventMsg{event: e}
	})
	if l.lastConnState == connection.Connected {
		l.maybeEnqueueCycle()
	}
	return nil
}

func (l *Loop) handleStop() error {
	if !l.started {
		return errs.New(errs.KindInvalidArgument, "sync loop is not started")
	}
	l.started = false
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.connUnsub != nil {
		l.connUnsub()
		l.connUnsub = nil
	}
	if l.transportUnsub != nil {
		l.transportUnsub()
		l.transportUnsub = nil
	}
	return nil
}

func (l *Loop) handleEvent(ctx context.Context, raw interface{}) {
	switch ev := raw.(type) {
	case connStateEvent:
		l.handleConnState(ctx, ev.state)
	case transportEventMsg:
		l.handleTransportEvent(ctx, ev.event)
	case cycleTriggerEvent:
		atomic.StoreInt32(&l.cycleQueuedFlag, 0)
		l.runCycle(ctx)
	}
}

func (l *Loop) handleConnState(ctx context.Context, state connection.State) {
	prev := l.lastConnState
	l.lastConnState = state
	if !l.started {
		return
	}
	switch {
	case state == connection.Connected && prev != connection.Connected:
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.maybeEnqueueCycle()
	case state != connection.Connected && prev == connection.Connected:
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
	}
}

func (l *Loop) handleTransportEvent(ctx context.Context, event transportapi.Event) {
	switch event.Kind {
	case transportapi.EventServerChanges:
		if _, err := l.engine.ApplyRemote(ctx, event.Changes); err != nil {
			l.reportError(err)
		}
	case transportapi.EventNeedsAuth:
		l.reportError(errs.New(errs.KindAuthRequired, "server reported authentication is required"))
	}
}

func (l *Loop) maybeEnqueueCycle() {
	if atomic.CompareAndSwapInt32(&l.cycleQueuedFlag, 0, 1) {
		l.events.In() <- cycleTriggerEvent{}
	}
}

func (l *Loop) reportError(err error) {
	kind := "unknown"
	if e, ok := err.(*errs.Error); ok {
		kind = e.Kind.String()
	}
	metrics.ErrorsReported.WithLabelValues(kind).Inc()
	l.logger.Error("sync loop error", "err", err)
	if l.onError != nil {
		l.onError(err)
	}
}

// runCycle implements spec.md §4.6's cycle(): push phase, re-check,
// pull phase, reschedule. Must run on the loop's own goroutine.
func (l *Loop) runCycle(ctx context.Context) {
	if !l.started || l.connMgr.State() != connection.Connected {
		return
	}
	start := time.Now()
	l.pushPhase(ctx)
	if l.started && l.connMgr.State() == connection.Connected {
		l.pullPhase(ctx)
	}
	metrics.CycleDuration.WithLabelValues(l.namespace).Observe(time.Since(start).Seconds())
	l.scheduleNext()
}

func (l *Loop) scheduleNext() {
	if !l.started {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	d := time.Duration(l.intervalMS) * time.Millisecond
	l.timer = time.AfterFunc(d, l.maybeEnqueueCycle)
}

// pushPhase implements spec.md §4.6 step 2, with the anti-spin guard
// on `first <= last_first`.
func (l *Loop) pushPhase(ctx context.Context) {
	var lastFirst uint64
	haveLastFirst := false
	for {
		pending, err := l.engine.GetPending(ctx, l.pushBatchSize)
		if err != nil {
			l.reportError(err)
			return
		}
		if len(pending) == 0 {
			return
		}
		first := pending[0].Sequence
		if haveLastFirst && first <= lastFirst {
			return
		}
		haveLastFirst = true
		lastFirst = first

		resp, err := l.transport.Push(ctx, transportapi.PushRequest{Namespace: l.namespace, Operations: pending})
		if err != nil {
			l.reportError(err)
			return
		}
		if resp.AcknowledgedThroughSequence == nil || *resp.AcknowledgedThroughSequence < first {
			return
		}
		if err := l.engine.RemovePendingThrough(ctx, *resp.AcknowledgedThroughSequence); err != nil {
			l.reportError(err)
			return
		}
	}
}

type cursorWire struct {
	CommittedTimestampMS *uint64 `json:"committedTimestampMs"`
	CollectionID         *string `json:"collectionId"`
	ID                   *string `json:"id"`
}

// loadCursor implements spec.md §4.6's cursor validation: a malformed
// KV value is reported via on_error and treated as absent, forcing a
// full re-sync rather than failing the cycle.
func (l *Loop) loadCursor(ctx context.Context) *storageapi.Cursor {
	raw, err := l.engine.GetKV(ctx, l.cursorKey)
	if err != nil {
		l.reportError(err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var wire cursorWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		l.reportError(errs.Protocol("cursor", "{committedTimestampMs: number, collectionId: string, id: string}"))
		return nil
	}
	if wire.CommittedTimestampMS == nil || wire.CollectionID == nil || wire.ID == nil {
		l.reportError(errs.Protocol("cursor", "{committedTimestampMs: number, collectionId: string, id: string}"))
		return nil
	}
	return &storageapi.Cursor{CommittedTimestampMS: *wire.CommittedTimestampMS, CollectionID: *wire.CollectionID, ID: *wire.ID}
}

func (l *Loop) saveCursor(ctx context.Context, cursor storageapi.Cursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return errs.Wrap(errs.KindSerializationError, "failed to encode cursor", err)
	}
	return l.engine.PutKV(ctx, l.cursorKey, raw)
}

// pullPhase implements spec.md §4.6 step 3, reading the cursor once
// and exiting when has_more is false or the cursor fails to advance
// (anti-spin guard for malformed servers).
func (l *Loop) pullPhase(ctx context.Context) {
	cursor := l.loadCursor(ctx)
	for {
		resp, err := l.transport.Pull(ctx, transportapi.PullRequest{Namespace: l.namespace, Cursor: cursor, Limit: l.pullLimit})
		if err != nil {
			l.reportError(err)
			return
		}
		if len(resp.Changes) > 0 {
			if _, err := l.engine.ApplyRemote(ctx, resp.Changes); err != nil {
				l.reportError(err)
				return
			}
		}
		advanced := false
		if resp.NextCursor != nil && (cursor == nil || !resp.NextCursor.Equal(*cursor)) {
			if err := l.saveCursor(ctx, *resp.NextCursor); err != nil {
				l.reportError(err)
				return
			}
			cursor = resp.NextCursor
			metrics.LastCommittedTimestampMS.WithLabelValues(l.namespace).Set(float64(cursor.CommittedTimestampMS))
			advanced = true
		}
		if !resp.HasMore || !advanced {
			return
		}
	}
}
