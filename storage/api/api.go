// Package api defines the row-storage adapter contract from spec.md
// §4.2: the uniform row envelope, the pending-operation log entry, the
// sync cursor, and the Adapter interface itself. This package is pure
// types and interfaces, no I/O — the same role the teacher's
// storage/mkvs/db/api package plays for storage/mkvs/db/badger.
package api

import (
	"context"
	"encoding/json"

	"github.com/rowsync/engine/common/errs"
	hlcapi "github.com/rowsync/engine/hlc/api"
)

// Row is the uniform envelope described in spec.md §3. Identity is
// (Namespace, CollectionID, ID).
type Row struct {
	Namespace    string          `json:"namespace"`
	CollectionID string          `json:"collectionId"`
	ID           string          `json:"id"`
	ParentID     *string         `json:"parentId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Tombstone    bool            `json:"tombstone"`
	TxID         *string         `json:"txId,omitempty"`
	SchemaVersion *int           `json:"schemaVersion,omitempty"`

	CommittedTimestampMS uint64 `json:"committedTimestampMs"`

	HLCTimestampMS uint64 `json:"hlcTimestampMs"`
	HLCCounter     uint64 `json:"hlcCounter"`
	HLCDeviceID    string `json:"hlcDeviceId"`
}

// HLC extracts this row's HLC triple.
func (r Row) HLC() hlcapi.HLC {
	return hlcapi.HLC{WallMS: r.HLCTimestampMS, Counter: r.HLCCounter, DeviceID: r.HLCDeviceID}
}

// Key returns the (collection_id, id) pair an adapter indexes rows by;
// namespace is fixed per adapter instance so it is not part of the key.
func (r Row) Key() RowKey {
	return RowKey{CollectionID: r.CollectionID, ID: r.ID}
}

// RowKey identifies a row within one adapter's namespace.
type RowKey struct {
	CollectionID string
	ID           string
}

// Supersedes reports whether incoming must replace existing per spec.md
// I2: incoming's HLC must be strictly greater in HLC order. Both
// storage/memory and storage/badger call this so the LWW rule is
// enforced identically by every adapter.
func Supersedes(incoming, existing Row) bool {
	return hlcapi.GreaterThan(incoming.HLC(), existing.HLC())
}

// PendingOpKind is the closed sum type spec.md §3 describes for a
// pending operation: either a put carrying data, or a delete.
type PendingOpKind int

const (
	PendingOpPut PendingOpKind = iota + 1
	PendingOpDelete
)

// PendingOp is a local write awaiting server acknowledgement, per
// spec.md §3.
type PendingOp struct {
	Sequence     uint64        `json:"sequence"`
	Kind         PendingOpKind `json:"-"`
	Namespace    string        `json:"namespace"`
	CollectionID string        `json:"collectionId"`
	ID           string        `json:"id"`
	ParentID     *string       `json:"parentId,omitempty"`
	// Tombstone is the wire discriminant between a put and a delete: Kind
	// itself is not serialized (it is redundant with Tombstone and exists
	// only so Go call sites can switch on it without a bool), but without
	// Tombstone on the wire a delete (no Data) is indistinguishable from a
	// data-less put once it crosses transport/http.
	Tombstone     bool            `json:"tombstone"`
	Data          json.RawMessage `json:"data,omitempty"`
	TxID          *string         `json:"txId,omitempty"`
	SchemaVersion *int            `json:"schemaVersion,omitempty"`

	HLCTimestampMS uint64 `json:"hlcTimestampMs"`
	HLCCounter     uint64 `json:"hlcCounter"`
	HLCDeviceID    string `json:"hlcDeviceId"`
}

// HLC extracts this pending op's HLC triple.
func (p PendingOp) HLC() hlcapi.HLC {
	return hlcapi.HLC{WallMS: p.HLCTimestampMS, Counter: p.HLCCounter, DeviceID: p.HLCDeviceID}
}

// ApplyOutcome is returned once per input row from Adapter.ApplyRows,
// in input order, per spec.md §4.2.
type ApplyOutcome struct {
	Namespace            string `json:"namespace"`
	CollectionID         string `json:"collectionId"`
	ID                   string `json:"id"`
	Written              bool   `json:"written"`
	Tombstone            bool   `json:"tombstone"`
	CommittedTimestampMS uint64 `json:"committedTimestampMs"`
	HLCTimestampMS       uint64 `json:"hlcTimestampMs"`
	HLCCounter           uint64 `json:"hlcCounter"`
	HLCDeviceID          string `json:"hlcDeviceId"`
}

// Cursor is the sync cursor from spec.md §3/§6: totally ordered
// lexicographically by (CommittedTimestampMS, CollectionID, ID).
type Cursor struct {
	CommittedTimestampMS uint64 `json:"committedTimestampMs"`
	CollectionID         string `json:"collectionId"`
	ID                   string `json:"id"`
}

// Less reports whether c sorts strictly before other in cursor order.
func (c Cursor) Less(other Cursor) bool {
	if c.CommittedTimestampMS != other.CommittedTimestampMS {
		return c.CommittedTimestampMS < other.CommittedTimestampMS
	}
	if c.CollectionID != other.CollectionID {
		return c.CollectionID < other.CollectionID
	}
	return c.ID < other.ID
}

// Equal reports cursor equality.
func (c Cursor) Equal(other Cursor) bool {
	return c == other
}

// QueryFilter narrows Adapter.Query, per spec.md §4.2.
type QueryFilter struct {
	CollectionID      string
	ID                *string
	ParentID          *string
	IncludeTombstones bool
}

// Adapter is the row-storage adapter contract from spec.md §4.2. One
// instance is bound to one (user_id?, namespace) and backs one local
// node. Implementations must enforce I1–I2 and the LWW rule
// themselves — callers (storage/engine) never need to. Pending-op
// sequences (I3) are assigned by the caller; adapters store them as
// given.
type Adapter interface {
	// Namespace returns the namespace this adapter instance is bound
	// to, used to reject mismatched incoming rows (NamespaceMismatch).
	Namespace() string

	Query(ctx context.Context, filter QueryFilter) ([]Row, error)

	// ApplyRows performs a bulk LWW apply, atomic across the batch
	// with respect to concurrent Query/ApplyRows calls, per spec.md
	// §4.2's duplicate-signature policy and namespace check.
	ApplyRows(ctx context.Context, rows []Row) ([]ApplyOutcome, error)

	AppendPending(ctx context.Context, ops []PendingOp) error
	// GetPending returns up to limit pending ops, ascending by
	// sequence.
	GetPending(ctx context.Context, limit int) ([]PendingOp, error)
	RemovePendingThrough(ctx context.Context, seqInclusive uint64) error

	PutKV(ctx context.Context, key string, value json.RawMessage) error
	GetKV(ctx context.Context, key string) (json.RawMessage, error)
	DeleteKV(ctx context.Context, key string) error

	// Close releases any resources held by the adapter.
	Close() error
}

// ErrNamespaceMismatch constructs the error ApplyRows must return when
// an incoming row's namespace doesn't match the adapter's.
func ErrNamespaceMismatch(adapterNS, rowNS string) error {
	return errs.New(errs.KindNamespaceMismatch,
		"row namespace \""+rowNS+"\" does not match adapter namespace \""+adapterNS+"\"")
}
