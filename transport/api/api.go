// Package api defines the Transport Adapter contract from spec.md
// §4.5: push, pull, and asynchronous server event delivery. Types here
// mirror storage/api's Row/PendingOp/Cursor directly — the wire shape
// and the local shape are the same struct family, per spec.md §6's
// "bit-identical" field-name requirement.
package api

import (
	"context"

	storageapi "github.com/rowsync/engine/storage/api"
)

// PushRequest carries the pending operations an engine wants acknowledged.
type PushRequest struct {
	Namespace  string
	Operations []storageapi.PendingOp
}

// PushResponse reports how far the server acknowledged. Nil means "no
// acknowledgement yet, retry later," per spec.md §4.5.
type PushResponse struct {
	AcknowledgedThroughSequence *uint64
}

// PullRequest requests changes since Cursor (absent on first call).
type PullRequest struct {
	Namespace    string
	Cursor       *storageapi.Cursor
	Limit        int
	CollectionID *string
	ParentID     *string
}

// PullResponse is the pull result, ordered by cursor tuple order.
type PullResponse struct {
	Changes    []storageapi.Row
	NextCursor *storageapi.Cursor
	HasMore    bool
}

// EventKind is the closed sum type for asynchronous server pushes.
type EventKind int

const (
	EventServerChanges EventKind = iota + 1
	EventNeedsAuth
)

// Event is delivered via Transport.OnEvent.
type Event struct {
	Kind    EventKind
	Changes []storageapi.Row // only set when Kind == EventServerChanges
}

// EventListener receives asynchronous server events.
type EventListener func(Event)

// Transport is the contract spec.md §4.5 requires of every backend:
// the in-memory test double (transport/memory) and the reference
// HTTP/JSON binding (transport/http) both implement it.
type Transport interface {
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
	OnEvent(listener EventListener) (unsubscribe func())
}
