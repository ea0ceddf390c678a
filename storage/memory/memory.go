// Package memory is the required in-memory reference Adapter from
// spec.md §4.2: an ordered map keyed by (collection_id, id) guarded by
// a single mutex, deep-cloning the world on every apply so concurrent
// Query calls observe either the whole pre-batch or whole post-batch
// state, never a partial batch. It is also the test fixture used by
// storage/engine and sync's tests, the same role storage/memory plays
// for storage/cachingclient in the teacher.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rowsync/engine/common/errs"
	hlcapi "github.com/rowsync/engine/hlc/api"
	storageapi "github.com/rowsync/engine/storage/api"
)

const BackendName = "memory"

// Adapter is the in-memory reference storage.Adapter.
type Adapter struct {
	namespace string

	mu      sync.Mutex
	rows    map[storageapi.RowKey]storageapi.Row
	pending []storageapi.PendingOp
	kv      map[string]json.RawMessage
}

// New constructs an in-memory Adapter bound to namespace.
func New(namespace string) *Adapter {
	return &Adapter{
		namespace: namespace,
		rows:      make(map[storageapi.RowKey]storageapi.Row),
		kv:        make(map[string]json.RawMessage),
	}
}

// Namespace implements storage.Adapter.
func (a *Adapter) Namespace() string { return a.namespace }

// Query implements storage.Adapter.
func (a *Adapter) Query(_ context.Context, filter storageapi.QueryFilter) ([]storageapi.Row, error) {
	a.mu.Lock()
	// Deep-clone-equivalent: snapshot the keys we need while holding
	// the lock, then build results from copies so callers can't
	// mutate our internal state.
	world := make(map[storageapi.RowKey]storageapi.Row, len(a.rows))
	for k, v := range a.rows {
		world[k] = v
	}
	a.mu.Unlock()

	var out []storageapi.Row
	for _, row := range world {
		if row.CollectionID != filter.CollectionID {
			continue
		}
		if filter.ID != nil && row.ID != *filter.ID {
			continue
		}
		if filter.ParentID != nil {
			if row.ParentID == nil || *row.ParentID != *filter.ParentID {
				continue
			}
		}
		if row.Tombstone && !filter.IncludeTombstones {
			continue
		}
		out = append(out, cloneRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ApplyRows implements storage.Adapter: a bulk LWW apply, atomic across
// the batch, honoring the duplicate-signature policy (first occurrence
// of an identical incoming HLC+identity wins, later ones are reported
// not-written).
func (a *Adapter) ApplyRows(_ context.Context, rows []storageapi.Row) ([]storageapi.ApplyOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Work against a deep clone of the world so a failure partway
	// through (namespace mismatch) never leaves a partially-applied
	// batch visible.
	world := make(map[storageapi.RowKey]storageapi.Row, len(a.rows))
	for k, v := range a.rows {
		world[k] = v
	}

	outcomes := make([]storageapi.ApplyOutcome, len(rows))
	appliedThisBatch := make(map[storageapi.RowKey]hlcapi.HLC)

	for i, row := range rows {
		if row.Namespace != a.namespace {
			return nil, storageapi.ErrNamespaceMismatch(a.namespace, row.Namespace)
		}

		key := row.Key()
		written := false

		existing, hasExisting := world[key]
		if dupHLC, ok := appliedThisBatch[key]; ok {
			// A prior row in this same batch already claimed this
			// identity. If it had an identical HLC+identity signature,
			// this one is reported not-written per the duplicate-
			// signature policy; otherwise fall through to the normal
			// LWW comparison against whatever is now in `world`.
			if dupHLC == row.HLC() {
				written = false
			} else if storageapi.Supersedes(row, world[key]) {
				world[key] = row
				written = true
			}
		} else if !hasExisting || storageapi.Supersedes(row, existing) {
			world[key] = row
			written = true
		}

		if written {
			appliedThisBatch[key] = row.HLC()
		}

		final := world[key]
		outcomes[i] = storageapi.ApplyOutcome{
			Namespace:            row.Namespace,
			CollectionID:         row.CollectionID,
			ID:                   row.ID,
			Written:              written,
			Tombstone:            final.Tombstone,
			CommittedTimestampMS: final.CommittedTimestampMS,
			HLCTimestampMS:       final.HLCTimestampMS,
			HLCCounter:           final.HLCCounter,
			HLCDeviceID:          final.HLCDeviceID,
		}
	}

	a.rows = world
	return outcomes, nil
}

// AppendPending implements storage.Adapter.
func (a *Adapter) AppendPending(_ context.Context, ops []storageapi.PendingOp) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, ops...)
	return nil
}

// GetPending implements storage.Adapter.
func (a *Adapter) GetPending(_ context.Context, limit int) ([]storageapi.PendingOp, error) {
	if limit < 1 {
		return nil, errs.New(errs.KindInvalidArgument, "limit must be >= 1")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := limit
	if n > len(a.pending) {
		n = len(a.pending)
	}
	out := make([]storageapi.PendingOp, n)
	copy(out, a.pending[:n])
	return out, nil
}

// RemovePendingThrough implements storage.Adapter.
func (a *Adapter) RemovePendingThrough(_ context.Context, seqInclusive uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := 0
	for idx < len(a.pending) && a.pending[idx].Sequence <= seqInclusive {
		idx++
	}
	a.pending = a.pending[idx:]
	return nil
}

// PutKV implements storage.Adapter.
func (a *Adapter) PutKV(_ context.Context, key string, value json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make(json.RawMessage, len(value))
	copy(cp, value)
	a.kv[key] = cp
	return nil
}

// GetKV implements storage.Adapter.
func (a *Adapter) GetKV(_ context.Context, key string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.kv[key]
	if !ok {
		return nil, nil
	}
	cp := make(json.RawMessage, len(v))
	copy(cp, v)
	return cp, nil
}

// DeleteKV implements storage.Adapter.
func (a *Adapter) DeleteKV(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.kv, key)
	return nil
}

// Close implements storage.Adapter; the in-memory adapter holds no
// external resources.
func (a *Adapter) Close() error { return nil }

func cloneRow(r storageapi.Row) storageapi.Row {
	clone := r
	if r.ParentID != nil {
		pid := *r.ParentID
		clone.ParentID = &pid
	}
	if r.TxID != nil {
		tid := *r.TxID
		clone.TxID = &tid
	}
	if r.SchemaVersion != nil {
		sv := *r.SchemaVersion
		clone.SchemaVersion = &sv
	}
	if r.Data != nil {
		clone.Data = make(json.RawMessage, len(r.Data))
		copy(clone.Data, r.Data)
	}
	return clone
}

var _ storageapi.Adapter = (*Adapter)(nil)
