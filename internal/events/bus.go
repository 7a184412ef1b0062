// Package events provides a publish/subscribe event bus for operational
// observability across proxyd's subsystems (scheduler, transport, link
// server, browse server). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which subsystem published an event.
const (
	// SourceScheduler identifies events from the task scheduler.
	SourceScheduler = "scheduler"
	// SourceTransport identifies events from a transport connection.
	SourceTransport = "transport"
	// SourceLinkServer identifies events from the socket-link server.
	SourceLinkServer = "link_server"
	// SourceLink identifies events from an individual socket link.
	SourceLink = "link"
	// SourceBrowse identifies events from the browse server/sessions.
	SourceBrowse = "browse"
)

// Kind constants describe the type of event within a source.
const (
	// KindTaskFired signals a scheduled task has begun executing.
	// Data: task_id, task_name.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a scheduled task has finished executing.
	// Data: task_id, task_name, ok, duration_ms.
	KindTaskComplete = "task_complete"

	// KindConnected signals a transport connection came up.
	// Data: entry.
	KindConnected = "connected"
	// KindReconnecting signals a transport connection is retrying.
	// Data: entry, error.
	KindReconnecting = "reconnecting"
	// KindClosed signals a transport connection closed.
	// Data: entry.
	KindClosed = "closed"

	// KindLinkOpen signals a link transitioned to opened.
	// Data: link_id.
	KindLinkOpen = "link_open"
	// KindLinkConnected signals a link transitioned to connected.
	// Data: link_id.
	KindLinkConnected = "link_connected"
	// KindLinkClose signals a link transitioned to closed.
	// Data: link_id, reason.
	KindLinkClose = "link_close"

	// KindSessionOpen signals a browse session was created.
	// Data: session_id.
	KindSessionOpen = "session_open"
	// KindSessionClose signals a browse session was torn down.
	// Data: session_id.
	KindSessionClose = "session_close"
	// KindSDClientReset signals the DNS-SD client handle was reset.
	// Data: reason.
	KindSDClientReset = "sdclient_reset"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// a CLI or HTTP status consumer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
