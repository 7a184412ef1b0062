// Package browse implements the service-discovery/browse server of
// spec.md §4.6: a secondary local-IPC server that accepts client sessions
// browsing filesystem paths, resolving DNS-SD/mDNS names, and scanning
// hosts/ports.
package browse

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/proxyd/internal/config"
	"github.com/nugget/proxyd/internal/events"
	"github.com/nugget/proxyd/internal/paths"
	"github.com/nugget/proxyd/internal/scheduler"
)

// Server is process-wide browse state: capability flags, a service-
// discovery client handle (lazily created, resettable), and the set of
// active client sessions (spec.md §3 "Browse server").
type Server struct {
	sched *scheduler.Scheduler
	bus   *events.Bus
	log   *slog.Logger
	cfg   config.BrowseConfig
	fs    *paths.Resolver

	ln net.Listener

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	sdClient *sdClient
}

// New creates a Server with the given capability configuration. Call
// Listen to start accepting local client sessions on a Unix domain socket.
func New(sched *scheduler.Scheduler, bus *events.Bus, log *slog.Logger, cfg config.BrowseConfig) *Server {
	if log == nil {
		log = slog.Default()
	}
	var fs *paths.Resolver
	if cfg.FSBrowseEnabled {
		fs = paths.New(map[string]string{"fs": cfg.FSRoot})
	}
	return &Server{
		sched:    sched,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		fs:       fs,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Scheduler implements scheduler.Owned.
func (s *Server) Scheduler() *scheduler.Scheduler { return s.sched }

// Listen binds a Unix domain socket at socketPath and accepts sessions
// until ctx is cancelled or Close is called.
func (s *Server) Listen(ctx context.Context, socketPath string) error {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Error("browse session accept failed", "error", err)
				return
			}
		}
		s.newSession(conn)
	}
}

func (s *Server) newSession(conn net.Conn) {
	sessSched := scheduler.New(s.sched, s.log)
	sess := newSession(uuid.New(), s, sessSched, conn)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.bus.Publish(events.Event{Source: events.SourceBrowse, Kind: events.KindSessionOpen,
		Data: map[string]any{"session_id": sess.id.String()}})

	go sess.readLoop()
}

// forget removes sess from the active session set, run once its socket has
// closed and its streams have been torn down.
func (s *Server) forget(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.bus.Publish(events.Event{Source: events.SourceBrowse, Kind: events.KindSessionClose,
		Data: map[string]any{"session_id": sess.id.String()}})
}

// Close stops accepting new sessions and closes every active one.
func (s *Server) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.forceClose()
	}
	return err
}
