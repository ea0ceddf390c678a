// Package poller is the reference connection.Driver from spec.md §4.4:
// a liveness probe run on a timer, backing off exponentially while the
// probe keeps failing and resetting once it succeeds. This keeps a
// concrete, domain-plausible driver in the tree without inventing
// platform-specific OS network hooks, which spec.md §1 places out of
// scope.
package poller

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rowsync/engine/connection"
)

// Probe reports whether the remote endpoint is currently reachable.
type Probe func() bool

// Config configures a Driver.
type Config struct {
	// Probe is called on every tick; required.
	Probe Probe
	// Interval is how often Probe runs while it keeps succeeding.
	// Defaults to 30s.
	Interval time.Duration
	// MaxInterval bounds the exponential backoff applied while Probe
	// keeps failing. Defaults to 5m.
	MaxInterval time.Duration
}

// Driver is the reference connection.Driver.
type Driver struct {
	probe       Probe
	interval    time.Duration
	maxInterval time.Duration

	listenCh chan connection.Listener
	stopCh   chan struct{}
}

// New constructs a Driver. Probing starts on its timer as soon as New
// returns, whether or not anything has subscribed yet.
func New(cfg Config) *Driver {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxInterval := cfg.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 5 * time.Minute
	}
	d := &Driver{
		probe:       cfg.Probe,
		interval:    interval,
		maxInterval: maxInterval,
		listenCh:    make(chan connection.Listener),
		stopCh:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Subscribe implements connection.Driver.
func (d *Driver) Subscribe(listener connection.Listener) (unsubscribe func()) {
	delivered := make(chan struct{})
	first := true
	d.listenCh <- func(s connection.State) {
		listener(s)
		if first {
			first = false
			close(delivered)
		}
	}
	<-delivered
	return func() {}
}

// Stop halts the probing goroutine.
func (d *Driver) Stop() {
	close(d.stopCh)
}

func (d *Driver) run() {
	var listeners []connection.Listener
	var lastState connection.State = connection.Offline
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.interval
	bo.MaxInterval = d.maxInterval
	bo.MaxElapsedTime = 0

	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	notify := func(s connection.State) {
		if s == lastState {
			return
		}
		lastState = s
		for _, l := range listeners {
			l(s)
		}
	}

	for {
		select {
		case <-d.stopCh:
			return
		case l := <-d.listenCh:
			listeners = append(listeners, l)
			l(lastState)
		case <-timer.C:
			ok := d.probe != nil && d.probe()
			if ok {
				bo.Reset()
				notify(connection.Connected)
				timer.Reset(d.interval)
			} else {
				notify(connection.Offline)
				timer.Reset(bo.NextBackOff())
			}
		}
	}
}
