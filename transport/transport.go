// Package transport defines the duplex message transport the rest of this
// module consumes. Concrete transports — byte streams, WebSockets,
// message-passing channels — live in sibling packages (streamconn,
// wsconn, natsconn); the core only ever talks to the Connection interface
// below.
package transport

import (
	"encoding/json"
	"errors"
)

// State is a monotonic connection lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange is delivered to state subscribers on every transition.
type StateChange struct {
	State State
	// Err is set only when State == StateClosed and the closure was due
	// to an error rather than a graceful Close().
	Err error
}

// ErrClosed is returned by Send once a connection has transitioned to
// StateClosed.
var ErrClosed = errors.New("transport: connection closed")

// Connection is a duplex channel of framed JSON values plus a connection
// state signal. Implementations must:
//   - deliver inbound messages to the installed listener in the order they
//     arrived on the wire;
//   - buffer inbound messages until a listener is installed, with no loss;
//   - allow SetListener to be called reentrantly, including from within a
//     listener callback invoked during buffer drain;
//   - treat Close as terminal — State never leaves StateClosed once
//     reached.
type Connection interface {
	// Name is a human-readable identifier for diagnostics.
	Name() string

	// State returns the current lifecycle stage and, if StateClosed was
	// reached due to an error, that error.
	State() (State, error)

	// OnStateChange subscribes to state transitions. The returned func
	// unsubscribes; it is safe to call more than once.
	OnStateChange(func(StateChange)) (unsubscribe func())

	// Send hands data to the underlying channel. The returned error
	// reflects only the local hand-off, not delivery.
	Send(data json.RawMessage) error

	// SetListener installs f as the single inbound-message callback,
	// synchronously draining any buffered messages before returning. A
	// nil f detaches the listener (subsequent messages are buffered
	// again).
	SetListener(f func(data json.RawMessage))

	// Close closes the connection. Idempotent.
	Close() error
}

// Dialer creates outbound connections, the client-side transport role.
type Dialer interface {
	Dial() (Connection, error)
}

// Listener accepts inbound connections, the server-side transport role.
// Because this library is peer-symmetric, a Connection accepted here is
// used identically to one obtained from a Dialer: both sides may issue and
// receive requests over it.
type Listener interface {
	Accept() (Connection, error)
	Close() error
}
