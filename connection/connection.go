// Package connection implements the Connection Manager from spec.md
// §4.4: a single observable connection state fed by a platform-specific
// Driver. The Manager dedups driver transitions and isolates listener
// panics the same way storage/engine does for invalidation listeners —
// both generalize the teacher's "a handler failing must not stop the
// rest of the fan-out" idiom.
package connection

import (
	"fmt"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/rowsync/engine/common/logging"
)

// State is the closed enum from spec.md §4.4.
type State int

const (
	Offline State = iota + 1
	Connected
	NeedsAuth
	Paused
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Connected:
		return "connected"
	case NeedsAuth:
		return "needs_auth"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Listener receives a connection state transition.
type Listener func(State)

// Driver is the platform driver contract from spec.md §4.4: it must
// push the current state synchronously on Subscribe, then one callback
// per subsequent state change.
type Driver interface {
	Subscribe(listener Listener) (unsubscribe func())
}

type subscription struct {
	id int
	fn Listener
}

// Manager holds the latest known connection state and forwards driver
// transitions to its own subscribers, deduped on no-op transitions.
type Manager struct {
	logger *logging.Logger

	reqCh chan func()

	state          State
	listeners      []subscription
	nextListenerID int

	driverUnsub func()
}

// NewManager constructs a Manager bound to driver. The manager
// subscribes to driver immediately so its State() is accurate from
// construction.
func NewManager(driver Driver) *Manager {
	m := &Manager{
		logger: logging.GetLogger("connection"),
		reqCh:  make(chan func()),
		state:  Offline,
	}
	go m.serve()
	m.driverUnsub = driver.Subscribe(func(s State) {
		m.call(func() interface{} {
			m.onDriverState(s)
			return nil
		})
	})
	return m
}

func (m *Manager) serve() {
	for fn := range m.reqCh {
		fn()
	}
}

func (m *Manager) call(fn func() interface{}) interface{} {
	respCh := make(chan interface{}, 1)
	m.reqCh <- func() { respCh <- fn() }
	return <-respCh
}

func (m *Manager) onDriverState(s State) {
	if s == m.state {
		return
	}
	m.state = s
	m.emit(s)
}

func (m *Manager) emit(s State) {
	var merr *multierror.Error
	for _, sub := range m.listeners {
		if err := safeInvoke(sub.fn, s); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr != nil {
		m.logger.Error("one or more connection listeners failed", "err", merr)
	}
}

func safeInvoke(l Listener, s State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connection listener panicked: %v", r)
		}
	}()
	l(s)
	return nil
}

// State returns the manager's last known connection state.
func (m *Manager) State() State {
	return m.call(func() interface{} { return m.state }).(State)
}

// Subscribe registers listener, synchronously delivering the current
// state before returning, per spec.md §4.4's driver contract extended
// to the manager's own subscribers.
func (m *Manager) Subscribe(listener Listener) (unsubscribe func()) {
	id := m.call(func() interface{} {
		id := m.nextListenerID
		m.nextListenerID++
		m.listeners = append(m.listeners, subscription{id: id, fn: listener})
		if err := safeInvoke(listener, m.state); err != nil {
			m.logger.Error("connection listener panicked on initial state delivery", "err", err)
		}
		return id
	}).(int)
	return func() {
		m.call(func() interface{} {
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					break
				}
			}
			return nil
		})
	}
}

// Close unsubscribes from the driver and stops the manager's serial
// goroutine.
func (m *Manager) Close() {
	if m.driverUnsub != nil {
		m.driverUnsub()
	}
	close(m.reqCh)
}
