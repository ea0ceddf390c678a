// Package memory is the required scriptable transport.Transport test
// double from spec.md §4.5: push/pull responses are computed by the
// test-supplied PushFn/PullFn callbacks, and events are
// injected directly by calling Emit, exercising the sync loop's
// on_event path the same way transport/memory exercises storage in
// storage/memory's role for storage/cachingclient-style tests.
package memory

import (
	"context"
	"sync"

	transportapi "github.com/rowsync/engine/transport/api"
)

// PushFunc computes a push response for a given request.
type PushFunc func(ctx context.Context, req transportapi.PushRequest) (transportapi.PushResponse, error)

// PullFunc computes a pull response for a given request.
type PullFunc func(ctx context.Context, req transportapi.PullRequest) (transportapi.PullResponse, error)

// Transport is the scriptable test double.
type Transport struct {
	mu sync.Mutex

	PushFn PushFunc
	PullFn PullFunc

	PushCalls []transportapi.PushRequest
	PullCalls []transportapi.PullRequest

	listeners      map[int]transportapi.EventListener
	nextListenerID int
}

// New constructs an empty Transport; set PushFn/PullFn before driving a
// sync loop against it. Unset, Push returns no acknowledgement and Pull
// returns an empty page with HasMore false.
func New() *Transport {
	return &Transport{listeners: make(map[int]transportapi.EventListener)}
}

// Push implements transport.Transport.
func (t *Transport) Push(ctx context.Context, req transportapi.PushRequest) (transportapi.PushResponse, error) {
	t.mu.Lock()
	t.PushCalls = append(t.PushCalls, req)
	fn := t.PushFn
	t.mu.Unlock()
	if fn == nil {
		return transportapi.PushResponse{}, nil
	}
	return fn(ctx, req)
}

// Pull implements transport.Transport.
func (t *Transport) Pull(ctx context.Context, req transportapi.PullRequest) (transportapi.PullResponse, error) {
	t.mu.Lock()
	t.PullCalls = append(t.PullCalls, req)
	fn := t.PullFn
	t.mu.Unlock()
	if fn == nil {
		return transportapi.PullResponse{HasMore: false}, nil
	}
	return fn(ctx, req)
}

// OnEvent implements transport.Transport.
func (t *Transport) OnEvent(listener transportapi.EventListener) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextListenerID
	t.nextListenerID++
	t.listeners[id] = listener
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Emit synchronously delivers event to every current subscriber, for
// tests exercising serverChanges/needsAuth handling.
func (t *Transport) Emit(event transportapi.Event) {
	t.mu.Lock()
	listeners := make([]transportapi.EventListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()
	for _, l := range listeners {
		l(event)
	}
}

var _ transportapi.Transport = (*Transport)(nil)
