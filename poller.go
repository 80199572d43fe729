package ironpool

import "net"

// ConnectionState records where a Connection sits in its lifecycle. Exactly
// one StateOpened event is ever delivered for a given Connection.ID,
// followed by zero or more StateData events, followed by exactly one
// StateClosed event — the last event a caller will ever see for that ID.
type ConnectionState int

const (
	// StateOpened is delivered once, when a connection is first accepted.
	StateOpened ConnectionState = iota
	// StateData is delivered whenever a connection becomes readable.
	StateData
	// StateClosed is delivered once, when the peer hangs up or the
	// connection errors out. The slot backing Connection.ID is freed for
	// reuse immediately after this event is delivered.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateData:
		return "data"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is a single accepted TCP peer. ID is stable for the lifetime of
// the connection and is reused (first-fit) by a later connection only after
// StateClosed has been delivered for it.
//
// ID is the raw slot index in the poller's connection table. It is distinct
// from the epoll registration token used internally by the poller: the
// token is always ID+1, reserving token 0 exclusively for the listener
// socket. See SPEC_FULL.md's R1 for why that offset exists.
type Connection struct {
	ID         uint64
	RemoteAddr net.Addr
	State      ConnectionState

	// fd is the raw, non-blocking socket file descriptor backing this
	// connection. It is only meaningful on platforms with a real Poller
	// implementation; Read/Write are implemented per-platform alongside
	// the Poller that manages fd's lifecycle.
	//
	// Every *Connection an EventHandler receives owns its own descriptor,
	// independent of whatever the Poller's internal connection table goes
	// on to do with the same logical connection afterward (see each
	// platform's Poller for how that independence is achieved — e.g. via
	// fd duplication). Callers that hold onto a *Connection past the
	// EventHandler call that delivered it, including across goroutines,
	// must call Close when done with it.
	fd int
}

// EventHandler is invoked once per connection event, synchronously, from
// within Poller.Poll, in the order the underlying readiness backend reports
// them. A single Poll call may invoke it many times. Each invocation
// receives a *Connection that is this call's alone to use and eventually
// Close — it is never the same pointer the Poller retains internally for a
// later event on the same logical connection.
type EventHandler func(conn *Connection)

// Poller is the platform-specific readiness-notification backend behind an
// AsyncListener. Implementations own both the listening socket and the
// table of accepted connections.
type Poller interface {
	// Poll blocks for up to timeoutMs milliseconds (negative blocks
	// indefinitely) waiting for I/O readiness, then invokes handler once
	// per ready connection event before returning.
	Poll(timeoutMs int, handler EventHandler) error

	// Close releases the listening socket, every open connection, and the
	// underlying readiness backend.
	Close() error

	// Addr returns the listening socket's bound local address. Useful when
	// constructed with a ":0" port and the caller needs to discover which
	// port the kernel actually assigned.
	Addr() net.Addr
}
