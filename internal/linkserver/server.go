// Package linkserver implements the socket-link server of spec.md §4.4: it
// owns one transport.Connection, dispatches inbound control-plane messages
// to the internal/link state machine keyed by source address, auto-creates
// links on an unmatched link-open, and tears every link down when the
// connection reports EventClosed.
package linkserver

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/proxyd/internal/events"
	"github.com/nugget/proxyd/internal/link"
	"github.com/nugget/proxyd/internal/prxerr"
	"github.com/nugget/proxyd/internal/scheduler"
	"github.com/nugget/proxyd/internal/transport"
	"github.com/nugget/proxyd/internal/wire"
)

// Server owns one transport connection and every link multiplexed over it.
// All dispatch and link-mutating work runs on sched, matching the "one
// thread per scheduler" affinity the rest of proxyd relies on.
type Server struct {
	sched *scheduler.Scheduler
	bus   *events.Bus
	log   *slog.Logger

	conn transport.Connection

	mu    sync.Mutex
	links map[uuid.UUID]*link.Link
}

// New creates a Server bound to sched. Call Attach once the transport
// connection has been established to start dispatching.
func New(sched *scheduler.Scheduler, bus *events.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		sched: sched,
		bus:   bus,
		log:   log,
		links: make(map[uuid.UUID]*link.Link),
	}
}

// Scheduler implements scheduler.Owned.
func (s *Server) Scheduler() *scheduler.Scheduler { return s.sched }

// Attach wires conn as the server's transport connection. onEvent,
// constructed by the caller from transport.Transport.CreateConnection, must
// route every event through Server.HandleEvent; Attach just records conn so
// Send can use it.
func (s *Server) Attach(conn transport.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// HandleEvent is the transport.EventFunc the server's connection is created
// with. It must run on sched: the adapters in internal/transport call their
// EventFunc directly from their own goroutines, so the caller's EventFunc
// wraps each call in sched.Queue (as cmd/proxyd does).
func (s *Server) HandleEvent(ev transport.Event) error {
	switch ev.Kind {
	case transport.EventReceived:
		s.dispatch(ev.Msg)
	case transport.EventReconnecting:
		s.broadcastReconnecting(ev.Err)
	case transport.EventClosed:
		s.teardownAll()
	}
	return nil
}

// dispatch routes msg to the link named by msg.SourceAddress, auto-creating
// one on an unmatched link-open and otherwise replying with an error
// correlated to the request (spec.md §4.4 dispatch algorithm). `ping` is
// answered directly, bypassing the per-link lookup entirely: it carries no
// link identity and is purely a transport-liveness echo (spec.md §8
// scenario S6: "the ping is answered with ping,error=ok,C=1").
func (s *Server) dispatch(msg *wire.Message) {
	if msg.Type == wire.TypePing {
		s.Send(&wire.Message{
			CorrelationID: msg.CorrelationID,
			ErrorCode:     prxerr.Ok,
			Type:          wire.TypePing,
		})
		return
	}

	s.mu.Lock()
	l, ok := s.links[msg.SourceAddress]
	created := false
	if !ok {
		if msg.Type == wire.TypeLinkClose {
			s.mu.Unlock()
			s.replyError(msg, prxerr.Ok)
			return
		}
		if msg.Type != wire.TypeLinkOpen {
			s.mu.Unlock()
			s.replyError(msg, prxerr.NotFound)
			return
		}
		l = link.New(msg.SourceAddress, s, s.sched)
		s.links[msg.SourceAddress] = l
		created = true
	} else if msg.Type == wire.TypeLinkOpen {
		s.mu.Unlock()
		s.replyError(msg, prxerr.AlreadyExists)
		return
	}
	s.mu.Unlock()

	if created {
		s.bus.Publish(events.Event{Source: events.SourceLinkServer, Kind: events.KindLinkOpen,
			Data: map[string]any{"link_id": l.ID.String()}})
	}

	resp := l.Handle(msg)
	if resp != nil {
		s.Send(resp)
	}

	if l.State() == link.StateClosed {
		s.forget(l.ID)
	}
}

// Send implements link.Sender: it hands a clone of msg to the transport
// connection, ignoring the send completion.
func (s *Server) Send(msg *wire.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return prxerr.New(prxerr.Closed, "no transport connection attached")
	}
	return conn.Send(msg.Clone(), func(*wire.Message, error) {})
}

func (s *Server) replyError(req *wire.Message, code prxerr.Code) {
	resp := &wire.Message{
		SourceAddress: req.SourceAddress,
		ProxyAddress:  req.ProxyAddress,
		CorrelationID: req.CorrelationID,
		ErrorCode:     code,
		Type:          req.Type,
	}
	s.Send(resp)
}

func (s *Server) forget(id uuid.UUID) {
	s.mu.Lock()
	delete(s.links, id)
	s.mu.Unlock()
	s.bus.Publish(events.Event{Source: events.SourceLinkServer, Kind: events.KindLinkClose,
		Data: map[string]any{"link_id": id.String()}})
}

// broadcastReconnecting notifies every link of a transport hiccup without
// closing any of them: links keep their PAL sockets open across a
// reconnect, per spec.md §4.4 ("On reconnecting(err): notify all links").
func (s *Server) broadcastReconnecting(err error) {
	s.mu.Lock()
	links := make([]*link.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	for _, l := range links {
		l.HandleReconnecting(err)
	}

	s.bus.Publish(events.Event{Source: events.SourceLinkServer, Kind: events.KindReconnecting,
		Data: map[string]any{"error": errString(err), "links_notified": len(links)}})
}

// teardownAll closes every link and releases scheduler-pending work tied to
// them, run once when the connection reports EventClosed.
func (s *Server) teardownAll() {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.links))
	for id, l := range s.links {
		closeMsg := wire.New(wire.TypeLinkClose)
		closeMsg.SourceAddress = id
		l.Handle(closeMsg)
		ids = append(ids, id)
	}
	s.links = make(map[uuid.UUID]*link.Link)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	for _, id := range ids {
		s.bus.Publish(events.Event{Source: events.SourceLinkServer, Kind: events.KindLinkClose,
			Data: map[string]any{"link_id": id.String(), "reason": "connection_closed"}})
	}
	s.sched.Release(s)

	if conn != nil {
		conn.Free()
	}
}

// Close tears the server's connection down explicitly (operator- or
// daemon-shutdown-initiated, as opposed to a transport-reported close).
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
