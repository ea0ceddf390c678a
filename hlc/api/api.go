// Package api defines the Hybrid Logical Clock triple, its total
// order, and the Source/Store contracts implemented by package hlc.
package api

import (
	"context"

	"github.com/rowsync/engine/common/errs"
)

// HLC is the (wall_ms, counter, device_id) triple from spec.md §3.
//
// Counter is compared numerically, never lexicographically; a fixed-
// width (e.g. 16-bit) reimplementation of this type must advance
// WallMS and reset Counter to 0 on overflow instead of wrapping it —
// this reference implementation uses uint64 and never overflows in
// practice, per spec.md §9's open counter-overflow question.
type HLC struct {
	WallMS   uint64 `json:"wallMs"`
	Counter  uint64 `json:"counter"`
	DeviceID string `json:"deviceId"`
}

// Validate enforces the InvalidHlc failure mode from spec.md §4.1:
// device_id must be non-empty. WallMS/Counter are uint64 so they
// cannot be negative or non-integer by construction.
func (h HLC) Validate() error {
	if h.DeviceID == "" {
		return errs.New(errs.KindInvalidHLC, "device_id must be non-empty")
	}
	return nil
}

// Compare returns -1, 0, or 1 per spec.md §4.1's comparison order:
// numeric wall_ms, then numeric counter, then lexicographic device_id.
func Compare(a, b HLC) int {
	switch {
	case a.WallMS < b.WallMS:
		return -1
	case a.WallMS > b.WallMS:
		return 1
	}
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	}
	switch {
	case a.DeviceID < b.DeviceID:
		return -1
	case a.DeviceID > b.DeviceID:
		return 1
	default:
		return 0
	}
}

// GreaterThan reports whether a strictly exceeds b in HLC order, the
// comparison spec.md I2 requires for a row replacement.
func GreaterThan(a, b HLC) bool {
	return Compare(a, b) > 0
}

// Source is the HLC service contract from spec.md §4.1.
type Source interface {
	// Next issues a single HLC, using nowMS if provided or the
	// service's injected clock source otherwise.
	Next(ctx context.Context, nowMS *uint64) (HLC, error)
	// NextBatch issues count strictly increasing HLCs in one call;
	// only the last is persisted as the service's "last issued" clock.
	NextBatch(ctx context.Context, count int, nowMS *uint64) ([]HLC, error)
	// NextFromRemote merges a remote observation into this device's
	// clock per spec.md §4.1's next_from_remote algorithm.
	NextFromRemote(ctx context.Context, remote HLC, nowMS *uint64) (HLC, error)
	// Peek returns the last issued clock, or nil if none has been
	// issued yet.
	Peek(ctx context.Context) (*HLC, error)
}

// Store persists the single "last issued clock" value a Source needs
// to survive process restarts. It is intentionally tiny — a Source
// can be backed by any KV-capable storage.Adapter bound to the same
// engine instance, so this is not a second storage contract.
type Store interface {
	LoadLastHLC(ctx context.Context) (*HLC, error)
	SaveLastHLC(ctx context.Context, hlc HLC) error
}
