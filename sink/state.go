package sink

import (
	"sync"

	"github.com/lumastream/egress/internal/watch"
)

// State is the connection state of a sink.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Machine is the single-mutex connection state holder embedded by sink
// implementations. One enum behind one lock replaces independently written
// open/error booleans, so the write path and an asynchronous completion
// callback always observe a consistent state.
//
// A terminating cause recorded by Fail survives the transition to closed and
// poisons WriteAllowed until the next ToOpening, so writes arriving after an
// asynchronous termination fail with the original cause.
type Machine struct {
	mu     sync.Mutex
	state  State
	cause  error
	opened *watch.Value[bool]
}

// NewMachine creates a Machine in the closed state.
func NewMachine() *Machine {
	return &Machine{opened: watch.NewValue(false)}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cause returns the recorded terminating cause, if any.
func (m *Machine) Cause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// Opened is the open/closed observable. It publishes true on ToOpen and
// false on ToClosed.
func (m *Machine) Opened() *watch.Value[bool] {
	return m.opened
}

// ToOpening transitions closed -> opening and clears any poisoned cause.
// Fails when a connection attempt or session is already in progress.
func (m *Machine) ToOpening() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateClosed {
		return ErrAlreadyOpen
	}
	m.state = StateOpening
	m.cause = nil
	return nil
}

// ToOpen transitions opening -> open.
func (m *Machine) ToOpen() {
	m.mu.Lock()
	m.state = StateOpen
	m.mu.Unlock()
	m.opened.Set(true)
}

// Fail records the terminating cause and transitions to error. The first
// recorded cause wins; later failures (e.g. a racing write error after an
// asynchronous termination) do not overwrite it.
func (m *Machine) Fail(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cause == nil {
		m.cause = cause
	}
	m.state = StateError
}

// ToClosed transitions any state to closed, retaining a recorded cause, and
// publishes the closed notification. Idempotent.
func (m *Machine) ToClosed() {
	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	m.opened.Set(false)
}

// WriteAllowed reports whether a write may proceed: nil when open, a
// *ClosedError carrying the captured cause when poisoned, ErrNotOpen
// otherwise.
func (m *Machine) WriteAllowed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state == StateOpen:
		return nil
	case m.cause != nil:
		return &ClosedError{Cause: m.cause}
	default:
		return ErrNotOpen
	}
}
