// Package transport defines the connection abstraction every proxyd wire
// carrier (MQTT methods topics, raw WebSocket streams) implements. The core
// depends only on this package; concrete adapters live in its subpackages.
package transport

import (
	"context"

	"github.com/nugget/proxyd/internal/prxerr"
	"github.com/nugget/proxyd/internal/scheduler"
	"github.com/nugget/proxyd/internal/wire"
)

// ErrClosed is returned by Send once Close has completed.
var ErrClosed = prxerr.New(prxerr.Closed, "connection closed")

// ErrAborted is returned by Send, and passed to its release callback, when
// the connection currently has no live link to the broker (for example
// between a drop and the next reconnect).
var ErrAborted = prxerr.New(prxerr.Aborted, "send aborted by close")

// EventKind distinguishes the three events a Connection delivers to its
// handler (spec.md §3, §4.3).
type EventKind int

const (
	// EventReceived carries a decoded inbound Message.
	EventReceived EventKind = iota
	// EventReconnecting reports the last error before a reconnect attempt.
	// The shipped adapters ignore onEvent's return value for this event, so
	// the core cannot veto the reconnect.
	EventReconnecting
	// EventClosed is delivered exactly once, regardless of how many times
	// Close is called.
	EventClosed
)

// Event is delivered to a Connection's EventFunc.
type Event struct {
	Kind EventKind
	Msg  *wire.Message // set for EventReceived
	Err  error         // set for EventReconnecting (last transport error)
}

// EventFunc handles events from a Connection. A non-nil return from an
// EventReconnecting call does not stop the reconnect attempt.
type EventFunc func(Event) error

// Entry names the remote endpoint a Transport connects to: a broker URL
// plus whatever credential/topic fields the concrete adapter needs.
type Entry struct {
	Address  string
	Username string
	Password string
}

// Connection is a single logical duplex message pipe to the hub. Send
// always returns promptly: completion (success or failure) is reported by
// releasing the cloned message passed in, mirroring spec.md §4.3's
// send-complete-releases-the-clone contract. Close is level-triggered —
// calling it more than once is a no-op and EventClosed fires exactly once.
type Connection interface {
	// Send enqueues msg for delivery. The caller must pass a clone it owns
	// exclusively; the Connection releases it via release once the send
	// completes (or immediately, with ErrAborted/ErrClosed, if the
	// connection is closing or closed).
	Send(msg *wire.Message, release func(*wire.Message, error)) error
	// Close tears the connection down. Redundant calls are no-ops.
	Close() error
	// Free releases resources Close does not already release (factories,
	// watchers). Called once after Close has completed.
	Free()
}

// Transport creates and releases Connections for a given Entry. The two
// shipped adapters are internal/transport/mqtt and internal/transport/ws;
// any other implementation satisfying this interface is an acceptable
// collaborator (spec.md §4.3, §6).
type Transport interface {
	CreateConnection(ctx context.Context, entry Entry, onEvent EventFunc, sched *scheduler.Scheduler) (Connection, error)
	Release()
}
