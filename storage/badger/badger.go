// Package badger is the durable storage.Adapter backend: one
// badger.DB holding three key spaces (rows, pending ops, KV metadata).
// Rows and pending ops are CBOR-encoded; KV values are stored as the
// raw JSON bytes they were given. Structurally this mirrors
// storage/mkvs/db/badger/badger.go: New(cfg) opens the database with
// the same option set (sync writes, snappy compression,
// truncate-on-recover), and typed key-format prefixes replace the
// teacher's nodeKeyFmt/writeLogKeyFmt/metadataKeyFmt. The adapter keeps
// no pending-sequence counter of its own; storage/engine.New seeds its
// counter from the persisted pending ops via GetPending.
package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	"github.com/fxamacker/cbor/v2"

	"github.com/rowsync/engine/common/errs"
	"github.com/rowsync/engine/common/logging"
	storageapi "github.com/rowsync/engine/storage/api"
)

const BackendName = "badger"

// key space prefixes.
const (
	prefixRow     byte = 0x00
	prefixPending byte = 0x01
	prefixKV      byte = 0x02
)

func rowKey(collectionID, id string) []byte {
	k := make([]byte, 0, 1+len(collectionID)+1+len(id))
	k = append(k, prefixRow)
	k = append(k, collectionID...)
	k = append(k, 0x00)
	k = append(k, id...)
	return k
}

// pendingKey zero-pads the sequence to 20 decimal digits so badger's
// byte-lexicographic key order matches numeric sequence order,
// allowing an ascending prefix scan for GetPending.
func pendingKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%c%020d", prefixPending, seq))
}

func kvKey(key string) []byte {
	k := make([]byte, 0, 1+len(key))
	k = append(k, prefixKV)
	k = append(k, key...)
	return k
}

// Config configures a durable Adapter.
type Config struct {
	Namespace string
	// Dir is the on-disk database directory. Empty uses an in-memory
	// badger instance (useful for tests that want badger's real
	// transaction semantics without touching disk).
	Dir string
}

// Adapter is the durable, badger-backed storage.Adapter.
type Adapter struct {
	namespace string
	db        *badger.DB
	logger    *logging.Logger
}

// New opens (or creates) a durable Adapter per cfg.
func New(cfg Config) (*Adapter, error) {
	if cfg.Namespace == "" {
		return nil, errs.New(errs.KindInvalidArgument, "namespace must be non-empty")
	}

	logger := logging.GetLogger("storage/badger").With("namespace", cfg.Namespace)

	var opts badger.Options
	if cfg.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.
		WithLogger(nil).
		WithSyncWrites(true).
		WithTruncate(true).
		WithCompression(options.Snappy)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapterBackendError, "failed to open badger database", err)
	}

	a := &Adapter{
		namespace: cfg.Namespace,
		db:        db,
		logger:    logger,
	}
	return a, nil
}

// Namespace implements storage.Adapter.
func (a *Adapter) Namespace() string { return a.namespace }

// Query implements storage.Adapter.
func (a *Adapter) Query(_ context.Context, filter storageapi.QueryFilter) ([]storageapi.Row, error) {
	var out []storageapi.Row
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixRow}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var row storageapi.Row
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &row)
			})
			if err != nil {
				return err
			}
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
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapterBackendError, "query failed", err)
	}
	return out, nil
}

// ApplyRows implements storage.Adapter. A single badger write
// transaction gives us atomicity across the batch with respect to
// concurrent Query/ApplyRows calls, the same guarantee spec.md §4.2
// requires of the in-memory reference adapter's mutex+deep-clone.
func (a *Adapter) ApplyRows(_ context.Context, rows []storageapi.Row) ([]storageapi.ApplyOutcome, error) {
	outcomes := make([]storageapi.ApplyOutcome, len(rows))

	err := a.db.Update(func(txn *badger.Txn) error {
		appliedThisBatch := make(map[storageapi.RowKey]storageapi.Row)

		for i, row := range rows {
			if row.Namespace != a.namespace {
				return storageapi.ErrNamespaceMismatch(a.namespace, row.Namespace)
			}

			key := row.Key()
			bkey := rowKey(key.CollectionID, key.ID)

			var existing storageapi.Row
			hasExisting := false
			if dupRow, ok := appliedThisBatch[key]; ok {
				existing, hasExisting = dupRow, true
			} else {
				item, err := txn.Get(bkey)
				switch err {
				case nil:
					if verr := item.Value(func(val []byte) error {
						return cbor.Unmarshal(val, &existing)
					}); verr != nil {
						return verr
					}
					hasExisting = true
				case badger.ErrKeyNotFound:
					hasExisting = false
				default:
					return err
				}
			}

			written := false
			if dupRow, ok := appliedThisBatch[key]; ok {
				if dupRow.HLC() == row.HLC() {
					written = false
				} else if storageapi.Supersedes(row, dupRow) {
					written = true
				}
			} else if !hasExisting || storageapi.Supersedes(row, existing) {
				written = true
			}

			final := existing
			if written {
				enc, err := cbor.Marshal(row)
				if err != nil {
					return errs.Wrap(errs.KindSerializationError, "failed to encode row", err)
				}
				if err := txn.Set(bkey, enc); err != nil {
					return err
				}
				appliedThisBatch[key] = row
				final = row
			} else if !hasExisting {
				final = row
			}

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
		return nil
	})
	if err != nil {
		if _, ok := err.(*errs.Error); ok {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindAdapterBackendError, "apply_rows failed", err)
	}
	return outcomes, nil
}

// AppendPending implements storage.Adapter.
func (a *Adapter) AppendPending(_ context.Context, ops []storageapi.PendingOp) error {
	return a.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			enc, err := cbor.Marshal(op)
			if err != nil {
				return errs.Wrap(errs.KindSerializationError, "failed to encode pending op", err)
			}
			if err := txn.Set(pendingKey(op.Sequence), enc); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPending implements storage.Adapter.
func (a *Adapter) GetPending(_ context.Context, limit int) ([]storageapi.PendingOp, error) {
	if limit < 1 {
		return nil, errs.New(errs.KindInvalidArgument, "limit must be >= 1")
	}
	var out []storageapi.PendingOp
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixPending}
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var op storageapi.PendingOp
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &op)
			})
			if err != nil {
				return err
			}
			out = append(out, op)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapterBackendError, "get_pending failed", err)
	}
	return out, nil
}

// RemovePendingThrough implements storage.Adapter.
func (a *Adapter) RemovePendingThrough(_ context.Context, seqInclusive uint64) error {
	return a.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixPending}
		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var op storageapi.PendingOp
			item := it.Item()
			err := item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &op)
			})
			if err != nil {
				return err
			}
			if op.Sequence > seqInclusive {
				break
			}
			key := make([]byte, len(item.Key()))
			copy(key, item.Key())
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutKV implements storage.Adapter.
func (a *Adapter) PutKV(_ context.Context, key string, value json.RawMessage) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(kvKey(key), append([]byte(nil), value...))
	})
}

// GetKV implements storage.Adapter.
func (a *Adapter) GetKV(_ context.Context, key string) (json.RawMessage, error) {
	var out json.RawMessage
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append(json.RawMessage(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapterBackendError, "get_kv failed", err)
	}
	return out, nil
}

// DeleteKV implements storage.Adapter.
func (a *Adapter) DeleteKV(_ context.Context, key string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(kvKey(key))
	})
}

// Close implements storage.Adapter.
func (a *Adapter) Close() error {
	return a.db.Close()
}

var _ storageapi.Adapter = (*Adapter)(nil)
