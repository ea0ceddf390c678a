// Package hlc implements the Hybrid Logical Clock service: a single
// serialized queue (one goroutine owning the "last issued clock")
// exactly like the teacher's single-goroutine worker loops, generalized
// here from block-sync bookkeeping to clock issuance.
package hlc

import (
	"context"
	"time"

	"github.com/rowsync/engine/common/errs"
	"github.com/rowsync/engine/common/logging"
	"github.com/rowsync/engine/hlc/api"
)

// ClockSource returns the current wall-clock time in milliseconds. It
// is injectable so tests (and adapters) never read the real wall clock
// inside a component under test, per spec.md §9 "Clock source".
type ClockSource func() uint64

// SystemClock is the default ClockSource, reading the real wall clock.
func SystemClock() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

type request struct {
	kind     reqKind
	count    int
	nowMS    *uint64
	remote   api.HLC
	respHLC  chan<- api.HLC
	respHLCs chan<- []api.HLC
	respPeek chan<- *api.HLC
	errCh    chan<- error
}

type reqKind int

const (
	reqNext reqKind = iota
	reqNextBatch
	reqNextFromRemote
	reqPeek
)

// Service is the concrete api.Source. All mutating calls are served by
// one goroutine reading off a request channel, so every caller
// consults the latest "last" value before computing and persisting the
// new one, per spec.md §4.1 "Concurrency".
type Service struct {
	deviceID string
	clock    ClockSource
	store    api.Store
	logger   *logging.Logger

	reqCh chan request
	done  chan struct{}
}

// New constructs a Service bound to deviceID, persisting its issued
// clocks through store. If clock is nil, SystemClock is used.
func New(deviceID string, store api.Store, clock ClockSource) (*Service, error) {
	if deviceID == "" {
		return nil, errs.New(errs.KindInvalidHLC, "device_id must be non-empty")
	}
	if clock == nil {
		clock = SystemClock
	}
	s := &Service{
		deviceID: deviceID,
		clock:    clock,
		store:    store,
		logger:   logging.GetLogger("hlc").With("device_id", deviceID),
		reqCh:    make(chan request),
		done:     make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

// Close stops the service's serving goroutine.
func (s *Service) Close() {
	close(s.done)
}

func (s *Service) serve() {
	var last *api.HLC
	if s.store != nil {
		if l, err := s.store.LoadLastHLC(context.Background()); err != nil {
			s.logger.Error("failed to load last HLC, starting fresh", "err", err)
		} else {
			last = l
		}
	}

	persist := func(h api.HLC) error {
		last = &h
		if s.store == nil {
			return nil
		}
		return s.store.SaveLastHLC(context.Background(), h)
	}

	for {
		select {
		case <-s.done:
			return
		case req := <-s.reqCh:
			switch req.kind {
			case reqNext:
				now := s.resolveNow(req.nowMS)
				next := nextLocked(last, now, s.deviceID)
				if err := persist(next); err != nil {
					req.errCh <- err
					continue
				}
				req.respHLC <- next
				req.errCh <- nil
			case reqNextBatch:
				now := s.resolveNow(req.nowMS)
				batch := make([]api.HLC, 0, req.count)
				cur := last
				for i := 0; i < req.count; i++ {
					next := nextLocked(cur, now, s.deviceID)
					batch = append(batch, next)
					cur = &next
				}
				if err := persist(batch[len(batch)-1]); err != nil {
					req.errCh <- err
					continue
				}
				req.respHLCs <- batch
				req.errCh <- nil
			case reqNextFromRemote:
				now := s.resolveNow(req.nowMS)
				next := nextFromRemoteLocked(last, req.remote, now, s.deviceID)
				if err := persist(next); err != nil {
					req.errCh <- err
					continue
				}
				req.respHLC <- next
				req.errCh <- nil
			case reqPeek:
				if last == nil {
					req.respPeek <- nil
				} else {
					cp := *last
					req.respPeek <- &cp
				}
				req.errCh <- nil
			}
		}
	}
}

func (s *Service) resolveNow(override *uint64) uint64 {
	if override != nil {
		return *override
	}
	return s.clock()
}

// nextLocked implements spec.md §4.1's next() algorithm given the
// currently-persisted last clock (nil on first call).
func nextLocked(last *api.HLC, now uint64, deviceID string) api.HLC {
	if last == nil || now > last.WallMS {
		return api.HLC{WallMS: now, Counter: 0, DeviceID: deviceID}
	}
	return api.HLC{WallMS: last.WallMS, Counter: last.Counter + 1, DeviceID: deviceID}
}

// nextFromRemoteLocked implements spec.md §4.1's next_from_remote
// algorithm.
func nextFromRemoteLocked(last *api.HLC, remote api.HLC, now uint64, deviceID string) api.HLC {
	wall := now
	var lastWall, remoteWall uint64
	haveLast := last != nil
	if haveLast {
		lastWall = last.WallMS
		if lastWall > wall {
			wall = lastWall
		}
	}
	remoteWall = remote.WallMS
	if remoteWall > wall {
		wall = remoteWall
	}

	lastAtWall := haveLast && lastWall == wall
	remoteAtWall := remoteWall == wall

	var counter uint64
	switch {
	case lastAtWall && remoteAtWall:
		counter = maxU64(last.Counter, remote.Counter) + 1
	case lastAtWall:
		counter = last.Counter + 1
	case remoteAtWall:
		counter = remote.Counter + 1
	default:
		counter = 0
	}

	return api.HLC{WallMS: wall, Counter: counter, DeviceID: deviceID}
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Next implements api.Source.
func (s *Service) Next(ctx context.Context, nowMS *uint64) (api.HLC, error) {
	respHLC := make(chan api.HLC, 1)
	errCh := make(chan error, 1)
	req := request{kind: reqNext, nowMS: nowMS, respHLC: respHLC, errCh: errCh}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return api.HLC{}, ctx.Err()
	}
	select {
	case err := <-errCh:
		if err != nil {
			return api.HLC{}, err
		}
		return <-respHLC, nil
	case <-ctx.Done():
		return api.HLC{}, ctx.Err()
	}
}

// NextBatch implements api.Source.
func (s *Service) NextBatch(ctx context.Context, count int, nowMS *uint64) ([]api.HLC, error) {
	if count <= 0 {
		return nil, errs.New(errs.KindInvalidArgument, "count must be >= 1")
	}
	respHLCs := make(chan []api.HLC, 1)
	errCh := make(chan error, 1)
	req := request{kind: reqNextBatch, count: count, nowMS: nowMS, respHLCs: respHLCs, errCh: errCh}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
		return <-respHLCs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextFromRemote implements api.Source.
func (s *Service) NextFromRemote(ctx context.Context, remote api.HLC, nowMS *uint64) (api.HLC, error) {
	if err := remote.Validate(); err != nil {
		return api.HLC{}, err
	}
	respHLC := make(chan api.HLC, 1)
	errCh := make(chan error, 1)
	req := request{kind: reqNextFromRemote, remote: remote, nowMS: nowMS, respHLC: respHLC, errCh: errCh}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return api.HLC{}, ctx.Err()
	}
	select {
	case err := <-errCh:
		if err != nil {
			return api.HLC{}, err
		}
		return <-respHLC, nil
	case <-ctx.Done():
		return api.HLC{}, ctx.Err()
	}
}

// Peek implements api.Source.
func (s *Service) Peek(ctx context.Context) (*api.HLC, error) {
	respPeek := make(chan *api.HLC, 1)
	errCh := make(chan error, 1)
	req := request{kind: reqPeek, respPeek: respPeek, errCh: errCh}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
		return <-respPeek, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ api.Source = (*Service)(nil)
