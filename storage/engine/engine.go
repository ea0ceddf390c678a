// Package engine implements the Storage Engine from spec.md §4.3: the
// only write path the app uses. It resolves operation-level intents
// the adapter doesn't know about (parent_id preservation), allocates
// HLCs in one batch outside any adapter transaction, invokes the
// adapter's apply once per operation, appends pending entries for rows
// that actually won LWW, and fans out deduplicated invalidation hints.
//
// Like the teacher's worker/storage/committee.Node, one goroutine owns
// all of the engine's mutable state (the pending-sequence counter and
// the listener set); every public method enqueues a closure onto that
// goroutine and blocks for its result, giving FIFO non-overlapping
// execution without wrapping call sites in a mutex.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/rowsync/engine/common/errs"
	"github.com/rowsync/engine/common/logging"
	"github.com/rowsync/engine/common/metrics"
	hlcapi "github.com/rowsync/engine/hlc/api"
	storageapi "github.com/rowsync/engine/storage/api"
)

// ParentIDOption distinguishes "no parent_id given" (Present=false, so
// the engine preserves whatever parent_id the row already has) from an
// explicit parent_id, including an explicit null (Present=true,
// Value=nil), per spec.md §4.3 Put semantics.
type ParentIDOption struct {
	Present bool
	Value   *string
}

// WithParentID constructs a present ParentIDOption; pass nil to clear
// the parent_id explicitly.
func WithParentID(v *string) ParentIDOption {
	return ParentIDOption{Present: true, Value: v}
}

// PutOptions carries the optional fields spec.md §4.3's put() accepts.
type PutOptions struct {
	ParentID      ParentIDOption
	TxID          *string
	SchemaVersion *int
}

// AtomicOpKind is the closed sum type for an operation inside BatchLocal.
type AtomicOpKind int

const (
	AtomicOpPut AtomicOpKind = iota + 1
	AtomicOpDelete
)

// AtomicOp is one entry of the ordered sequence BatchLocal applies.
type AtomicOp struct {
	Kind         AtomicOpKind
	CollectionID string
	ID           string
	Data         json.RawMessage
	Options      PutOptions
}

// PutOp constructs a put AtomicOp.
func PutOp(collectionID, id string, data json.RawMessage, opts PutOptions) AtomicOp {
	return AtomicOp{Kind: AtomicOpPut, CollectionID: collectionID, ID: id, Data: data, Options: opts}
}

// DeleteOp constructs a delete AtomicOp.
func DeleteOp(collectionID, id string) AtomicOp {
	return AtomicOp{Kind: AtomicOpDelete, CollectionID: collectionID, ID: id}
}

// WriteResult is returned from every write operation, per spec.md §4.3.
type WriteResult struct {
	Namespace            string
	CollectionID         string
	ID                   string
	ParentID             *string
	Tombstone            bool
	CommittedTimestampMS uint64
	HLC                  hlcapi.HLC
	Applied              bool
}

// InvalidationHint is the cache-invalidation summary from spec.md §9's
// glossary entry, emitted after a successful local or remote apply.
type InvalidationHint struct {
	CollectionID string
	ID           *string
	ParentID     *string
}

// ChangeSource distinguishes a local write from a remote apply.
type ChangeSource int

const (
	SourceLocal ChangeSource = iota + 1
	SourceRemote
)

// ChangeEvent is delivered to every subscriber after a successful
// apply, per spec.md §4.3.
type ChangeEvent struct {
	Source            ChangeSource
	InvalidationHints []InvalidationHint
}

// Listener receives ChangeEvents. A panicking listener cannot prevent
// other listeners from being invoked (spec.md §4.3).
type Listener func(ChangeEvent)

type subscription struct {
	id int
	fn Listener
}

// Engine is the Storage Engine from spec.md §4.3.
type Engine struct {
	namespace string
	adapter   storageapi.Adapter
	hlcSource hlcapi.Source
	logger    *logging.Logger

	reqCh chan func()

	nextPendingSeq uint64
	listeners      []subscription
	nextListenerID int
}

// New constructs an Engine bound to one adapter and one HLC source.
// The pending-sequence counter is seeded from the adapter's durably
// persisted pending ops (max sequence + 1), per spec.md §9 "Ownership
// of the pending counter" — this is the mechanism by which a durable
// adapter's restart never reuses a sequence, using only the public
// Adapter.GetPending contract rather than a second, adapter-specific
// accessor.
func New(adapter storageapi.Adapter, hlcSource hlcapi.Source) (*Engine, error) {
	metrics.Register()
	e := &Engine{
		namespace: adapter.Namespace(),
		adapter:   adapter,
		hlcSource: hlcSource,
		logger:    logging.GetLogger("storage/engine").With("namespace", adapter.Namespace()),
		reqCh:     make(chan func()),
	}

	existing, err := adapter.GetPending(context.Background(), 1<<30)
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapterBackendError, "failed to seed pending sequence counter", err)
	}
	max := uint64(0)
	for _, op := range existing {
		if op.Sequence > max {
			max = op.Sequence
		}
	}
	e.nextPendingSeq = max + 1

	go e.serve()
	return e, nil
}

func (e *Engine) serve() {
	for fn := range e.reqCh {
		fn()
	}
}

// call enqueues fn onto the engine's single serial goroutine and blocks
// for its result. The result is carried as interface{} rather than a
// type parameter since this module targets go1.15, matching the
// teacher's toolchain — call sites type-assert back to the concrete
// type they passed in.
func (e *Engine) call(fn func() (interface{}, error)) (interface{}, error) {
	type result struct {
		val interface{}
		err error
	}
	respCh := make(chan result, 1)
	e.reqCh <- func() {
		v, err := fn()
		respCh <- result{v, err}
	}
	r := <-respCh
	return r.val, r.err
}

func (e *Engine) allocPendingSeq(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = e.nextPendingSeq
		e.nextPendingSeq++
	}
	return out
}

// Get implements spec.md §4.3, tombstone-filtered (I6).
func (e *Engine) Get(ctx context.Context, collectionID, id string) (*storageapi.Row, error) {
	v, err := e.call(func() (interface{}, error) {
		rows, err := e.adapter.Query(ctx, storageapi.QueryFilter{CollectionID: collectionID, ID: &id})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return (*storageapi.Row)(nil), nil
		}
		return &rows[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storageapi.Row), nil
}

// GetAll implements spec.md §4.3, tombstone-filtered.
func (e *Engine) GetAll(ctx context.Context, collectionID string) ([]storageapi.Row, error) {
	v, err := e.call(func() (interface{}, error) {
		return e.adapter.Query(ctx, storageapi.QueryFilter{CollectionID: collectionID})
	})
	if err != nil {
		return nil, err
	}
	return v.([]storageapi.Row), nil
}

// GetAllWithParent implements spec.md §4.3, tombstone-filtered.
func (e *Engine) GetAllWithParent(ctx context.Context, collectionID, parentID string) ([]storageapi.Row, error) {
	v, err := e.call(func() (interface{}, error) {
		return e.adapter.Query(ctx, storageapi.QueryFilter{CollectionID: collectionID, ParentID: &parentID})
	})
	if err != nil {
		return nil, err
	}
	return v.([]storageapi.Row), nil
}

// resolveParentID implements the parent_id preservation rule from
// spec.md §4.3: an absent option preserves whatever the pre-existing
// row (including tombstones) carried; a present option (even an
// explicit null) always wins.
func (e *Engine) resolveParentID(ctx context.Context, collectionID, id string, opt ParentIDOption) (*string, error) {
	if opt.Present {
		return opt.Value, nil
	}
	rows, err := e.adapter.Query(ctx, storageapi.QueryFilter{CollectionID: collectionID, ID: &id, IncludeTombstones: true})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].ParentID, nil
}

// Put implements spec.md §4.3.
func (e *Engine) Put(ctx context.Context, collectionID, id string, data json.RawMessage, opts PutOptions) (WriteResult, error) {
	v, err := e.call(func() (interface{}, error) {
		parentID, err := e.resolveParentID(ctx, collectionID, id, opts.ParentID)
		if err != nil {
			return WriteResult{}, err
		}
		h, err := e.hlcSource.Next(ctx, nil)
		if err != nil {
			return WriteResult{}, err
		}
		row := storageapi.Row{
			Namespace: e.namespace, CollectionID: collectionID, ID: id,
			ParentID: parentID, Data: data, Tombstone: false,
			TxID: opts.TxID, SchemaVersion: opts.SchemaVersion,
			HLCTimestampMS: h.WallMS, HLCCounter: h.Counter, HLCDeviceID: h.DeviceID,
		}
		return e.applyLocalOne(ctx, row)
	})
	if err != nil {
		return WriteResult{}, err
	}
	return v.(WriteResult), nil
}

// Delete implements spec.md §4.3: a tombstone write preserving parent_id.
func (e *Engine) Delete(ctx context.Context, collectionID, id string) (WriteResult, error) {
	v, err := e.call(func() (interface{}, error) {
		parentID, err := e.resolveParentID(ctx, collectionID, id, ParentIDOption{})
		if err != nil {
			return WriteResult{}, err
		}
		h, err := e.hlcSource.Next(ctx, nil)
		if err != nil {
			return WriteResult{}, err
		}
		row := storageapi.Row{
			Namespace: e.namespace, CollectionID: collectionID, ID: id,
			ParentID: parentID, Data: nil, Tombstone: true,
			HLCTimestampMS: h.WallMS, HLCCounter: h.Counter, HLCDeviceID: h.DeviceID,
		}
		return e.applyLocalOne(ctx, row)
	})
	if err != nil {
		return WriteResult{}, err
	}
	return v.(WriteResult), nil
}

// applyLocalOne runs the common apply+pending-append+invalidate path
// for a single already-HLC-stamped row; callers must already be
// running inside the engine's serial goroutine.
func (e *Engine) applyLocalOne(ctx context.Context, row storageapi.Row) (WriteResult, error) {
	outcomes, err := e.adapter.ApplyRows(ctx, []storageapi.Row{row})
	if err != nil {
		return WriteResult{}, err
	}
	outcome := outcomes[0]
	result := resultFromOutcome(row, outcome)

	if outcome.Written {
		seq := e.allocPendingSeq(1)[0]
		if err := e.adapter.AppendPending(ctx, []storageapi.PendingOp{pendingOpFromRow(row, seq)}); err != nil {
			return WriteResult{}, err
		}
		e.emit(ChangeEvent{Source: SourceLocal, InvalidationHints: dedupHints([]InvalidationHint{
			{CollectionID: row.CollectionID, ID: strPtr(row.ID), ParentID: row.ParentID},
		})})
	} else {
		metrics.LWWLosses.WithLabelValues(e.namespace, "local").Inc()
	}
	e.refreshPendingDepthMetric(ctx)

	return result, nil
}

// refreshPendingDepthMetric re-derives the pending-depth gauge from the
// adapter's own count rather than tracking it separately in the engine,
// so the two can never drift.
func (e *Engine) refreshPendingDepthMetric(ctx context.Context) {
	pending, err := e.adapter.GetPending(ctx, 1<<20)
	if err != nil {
		return
	}
	metrics.PendingDepth.WithLabelValues(e.namespace).Set(float64(len(pending)))
}

// DeleteAllWithParent implements spec.md §4.3: queries live matching
// rows, stamps one tombstone each, in one HLC batch and one apply.
func (e *Engine) DeleteAllWithParent(ctx context.Context, collectionID, parentID string) ([]WriteResult, error) {
	v, err := e.call(func() (interface{}, error) {
		live, err := e.adapter.Query(ctx, storageapi.QueryFilter{CollectionID: collectionID, ParentID: &parentID})
		if err != nil {
			return nil, err
		}
		if len(live) == 0 {
			return []WriteResult(nil), nil
		}
		hlcs, err := e.hlcSource.NextBatch(ctx, len(live), nil)
		if err != nil {
			return nil, err
		}
		rows := make([]storageapi.Row, len(live))
		for i, r := range live {
			h := hlcs[i]
			rows[i] = storageapi.Row{
				Namespace: e.namespace, CollectionID: r.CollectionID, ID: r.ID,
				ParentID: r.ParentID, Data: nil, Tombstone: true,
				TxID: r.TxID, SchemaVersion: r.SchemaVersion,
				HLCTimestampMS: h.WallMS, HLCCounter: h.Counter, HLCDeviceID: h.DeviceID,
			}
		}
		return e.applyLocalBatch(ctx, rows)
	})
	if err != nil {
		return nil, err
	}
	return v.([]WriteResult), nil
}

// BatchLocal implements spec.md §4.3: intents are resolved first (all
// reads), then one HLC batch sized to the number of intents, then one
// ApplyRows call.
func (e *Engine) BatchLocal(ctx context.Context, ops []AtomicOp) ([]WriteResult, error) {
	v, err := e.call(func() (interface{}, error) {
		if len(ops) == 0 {
			return []WriteResult(nil), nil
		}

		type intent struct {
			collectionID string
			id           string
			data         json.RawMessage
			tombstone    bool
			parentID     *string
			txID         *string
			schemaVer    *int
		}

		intents := make([]intent, len(ops))
		var resolveErrs *multierror.Error
		for i, op := range ops {
			switch op.Kind {
			case AtomicOpPut:
				parentID, err := e.resolveParentID(ctx, op.CollectionID, op.ID, op.Options.ParentID)
				if err != nil {
					resolveErrs = multierror.Append(resolveErrs, err)
					continue
				}
				intents[i] = intent{
					collectionID: op.CollectionID, id: op.ID, data: op.Data,
					parentID: parentID, txID: op.Options.TxID, schemaVer: op.Options.SchemaVersion,
				}
			case AtomicOpDelete:
				parentID, err := e.resolveParentID(ctx, op.CollectionID, op.ID, ParentIDOption{})
				if err != nil {
					resolveErrs = multierror.Append(resolveErrs, err)
					continue
				}
				intents[i] = intent{collectionID: op.CollectionID, id: op.ID, tombstone: true, parentID: parentID}
			default:
				resolveErrs = multierror.Append(resolveErrs, fmt.Errorf("batch_local: unknown op kind %d at index %d", op.Kind, i))
			}
		}
		if resolveErrs != nil {
			return nil, resolveErrs
		}

		hlcs, err := e.hlcSource.NextBatch(ctx, len(intents), nil)
		if err != nil {
			return nil, err
		}
		rows := make([]storageapi.Row, len(intents))
		for i, it := range intents {
			h := hlcs[i]
			rows[i] = storageapi.Row{
				Namespace: e.namespace, CollectionID: it.collectionID, ID: it.id,
				ParentID: it.parentID, Data: it.data, Tombstone: it.tombstone,
				TxID: it.txID, SchemaVersion: it.schemaVer,
				HLCTimestampMS: h.WallMS, HLCCounter: h.Counter, HLCDeviceID: h.DeviceID,
			}
		}
		return e.applyLocalBatch(ctx, rows)
	})
	if err != nil {
		return nil, err
	}
	return v.([]WriteResult), nil
}

// applyLocalBatch runs one ApplyRows for rows, appends pending for the
// written subset in one call, and emits one deduplicated ChangeEvent.
// Callers must already be running inside the engine's serial goroutine.
func (e *Engine) applyLocalBatch(ctx context.Context, rows []storageapi.Row) ([]WriteResult, error) {
	outcomes, err := e.adapter.ApplyRows(ctx, rows)
	if err != nil {
		return nil, err
	}

	results := make([]WriteResult, len(rows))
	var pendingOps []storageapi.PendingOp
	var hints []InvalidationHint
	seqs := e.allocPendingSeq(len(rows))
	usedSeq := 0
	for i, row := range rows {
		outcome := outcomes[i]
		results[i] = resultFromOutcome(row, outcome)
		if outcome.Written {
			pendingOps = append(pendingOps, pendingOpFromRow(row, seqs[usedSeq]))
			usedSeq++
			hints = append(hints, InvalidationHint{CollectionID: row.CollectionID, ID: strPtr(row.ID), ParentID: row.ParentID})
		} else {
			metrics.LWWLosses.WithLabelValues(e.namespace, "local").Inc()
		}
	}
	// Sequences allocated beyond what was actually used (because some
	// rows lost LWW) are simply skipped — I3 only requires strict
	// monotonicity, not gap-freeness, per spec.md §9.
	if len(pendingOps) > 0 {
		if err := e.adapter.AppendPending(ctx, pendingOps); err != nil {
			return nil, err
		}
	}
	if len(hints) > 0 {
		e.emit(ChangeEvent{Source: SourceLocal, InvalidationHints: dedupHints(hints)})
	}
	e.refreshPendingDepthMetric(ctx)
	return results, nil
}

// ApplyRemoteResult is returned by ApplyRemote.
type ApplyRemoteResult struct {
	AppliedCount      int
	InvalidationHints []InvalidationHint
}

// ApplyRemote implements spec.md §4.3: rows already carry server HLCs,
// so no HLC allocation happens here.
func (e *Engine) ApplyRemote(ctx context.Context, rows []storageapi.Row) (ApplyRemoteResult, error) {
	v, err := e.call(func() (interface{}, error) {
		if len(rows) == 0 {
			return ApplyRemoteResult{}, nil
		}
		outcomes, err := e.adapter.ApplyRows(ctx, rows)
		if err != nil {
			return ApplyRemoteResult{}, err
		}
		var hints []InvalidationHint
		applied := 0
		for i, row := range rows {
			if outcomes[i].Written {
				applied++
				hints = append(hints, InvalidationHint{CollectionID: row.CollectionID, ID: strPtr(row.ID), ParentID: row.ParentID})
			} else {
				metrics.LWWLosses.WithLabelValues(e.namespace, "remote").Inc()
			}
		}
		hints = dedupHints(hints)
		if len(hints) > 0 {
			e.emit(ChangeEvent{Source: SourceRemote, InvalidationHints: hints})
		}
		e.refreshPendingDepthMetric(ctx)
		return ApplyRemoteResult{AppliedCount: applied, InvalidationHints: hints}, nil
	})
	if err != nil {
		return ApplyRemoteResult{}, err
	}
	return v.(ApplyRemoteResult), nil
}

// GetPending implements the passthrough from spec.md §4.3.
func (e *Engine) GetPending(ctx context.Context, limit int) ([]storageapi.PendingOp, error) {
	v, err := e.call(func() (interface{}, error) {
		return e.adapter.GetPending(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]storageapi.PendingOp), nil
}

// RemovePendingThrough implements the passthrough from spec.md §4.3.
func (e *Engine) RemovePendingThrough(ctx context.Context, seqInclusive uint64) error {
	_, err := e.call(func() (interface{}, error) {
		if err := e.adapter.RemovePendingThrough(ctx, seqInclusive); err != nil {
			return nil, err
		}
		e.refreshPendingDepthMetric(ctx)
		return nil, nil
	})
	return err
}

// PutKV implements the passthrough from spec.md §4.3.
func (e *Engine) PutKV(ctx context.Context, key string, value json.RawMessage) error {
	_, err := e.call(func() (interface{}, error) {
		return nil, e.adapter.PutKV(ctx, key, value)
	})
	return err
}

// GetKV implements the passthrough from spec.md §4.3.
func (e *Engine) GetKV(ctx context.Context, key string) (json.RawMessage, error) {
	v, err := e.call(func() (interface{}, error) {
		return e.adapter.GetKV(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// DeleteKV implements the passthrough from spec.md §4.3.
func (e *Engine) DeleteKV(ctx context.Context, key string) error {
	_, err := e.call(func() (interface{}, error) {
		return nil, e.adapter.DeleteKV(ctx, key)
	})
	return err
}

// Subscribe registers listener and returns an unsubscribe function.
// Subscription bookkeeping runs on the same serial goroutine as every
// other operation so it can never race a concurrent emit.
func (e *Engine) Subscribe(listener Listener) (unsubscribe func()) {
	v, _ := e.call(func() (interface{}, error) {
		id := e.nextListenerID
		e.nextListenerID++
		e.listeners = append(e.listeners, subscription{id: id, fn: listener})
		return id, nil
	})
	id := v.(int)
	return func() {
		_, _ = e.call(func() (interface{}, error) {
			for i, s := range e.listeners {
				if s.id == id {
					e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
					break
				}
			}
			return nil, nil
		})
	}
}

// emit fans ChangeEvent out to every subscriber. A panicking listener
// is recovered and folded into one aggregated, logged error so it
// cannot prevent the remaining listeners from running (spec.md §4.3).
// Must be called from inside the serial goroutine.
func (e *Engine) emit(event ChangeEvent) {
	var merr *multierror.Error
	for _, s := range e.listeners {
		func(l Listener) {
			defer func() {
				if r := recover(); r != nil {
					merr = multierror.Append(merr, fmt.Errorf("invalidation listener panicked: %v", r))
				}
			}()
			l(event)
		}(s.fn)
	}
	if merr != nil {
		e.logger.Error("one or more invalidation listeners failed", "err", merr)
	}
}

// Close stops the engine's serial goroutine.
func (e *Engine) Close() {
	close(e.reqCh)
}

func resultFromOutcome(row storageapi.Row, outcome storageapi.ApplyOutcome) WriteResult {
	return WriteResult{
		Namespace: outcome.Namespace, CollectionID: outcome.CollectionID, ID: outcome.ID,
		ParentID: row.ParentID, Tombstone: outcome.Tombstone,
		CommittedTimestampMS: outcome.CommittedTimestampMS,
		HLC:                  hlcapi.HLC{WallMS: outcome.HLCTimestampMS, Counter: outcome.HLCCounter, DeviceID: outcome.HLCDeviceID},
		Applied:              outcome.Written,
	}
}

func pendingOpFromRow(row storageapi.Row, seq uint64) storageapi.PendingOp {
	kind := storageapi.PendingOpPut
	if row.Tombstone {
		kind = storageapi.PendingOpDelete
	}
	return storageapi.PendingOp{
		Sequence: seq, Kind: kind, Tombstone: row.Tombstone,
		Namespace: row.Namespace, CollectionID: row.CollectionID, ID: row.ID,
		ParentID: row.ParentID, Data: row.Data, TxID: row.TxID, SchemaVersion: row.SchemaVersion,
		HLCTimestampMS: row.HLCTimestampMS, HLCCounter: row.HLCCounter, HLCDeviceID: row.HLCDeviceID,
	}
}

func dedupHints(hints []InvalidationHint) []InvalidationHint {
	seen := make(map[string]struct{}, len(hints))
	out := make([]InvalidationHint, 0, len(hints))
	for _, h := range hints {
		key := h.CollectionID + "\x00" + derefStr(h.ID) + "\x00" + derefStr(h.ParentID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
