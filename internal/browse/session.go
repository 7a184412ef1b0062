package browse

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/proxyd/internal/prxerr"
	"github.com/nugget/proxyd/internal/scheduler"
)

// Session is one local client's connection to the browse server (spec.md
// §3 "Browse session"): an inbound/outbound framed byte stream, a
// request-id → stream map, and a last-error.
type Session struct {
	id     uuid.UUID
	server *Server
	sched  *scheduler.Scheduler
	conn   net.Conn

	sdClientAtOpen *sdClient // captured for sdclient-reset scoping

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uuid.UUID]*Stream
	lastErr error
	closed  bool
}

func newSession(id uuid.UUID, server *Server, sched *scheduler.Scheduler, conn net.Conn) *Session {
	return &Session{
		id:      id,
		server:  server,
		sched:   sched,
		conn:    conn,
		streams: make(map[uuid.UUID]*Stream),
	}
}

// Scheduler implements scheduler.Owned.
func (sess *Session) Scheduler() *scheduler.Scheduler { return sess.sched }

// readLoop decodes length-delimited browse-request frames off the session
// socket and dispatches them onto the session's scheduler, mirroring the
// PAL "begin-recv/end-recv → decode-and-dispatch task" sequence of
// spec.md §4.6.
func (sess *Session) readLoop() {
	r := bufio.NewReader(sess.conn)
	for {
		req, err := readRequest(r)
		if err != nil {
			sess.mu.Lock()
			sess.lastErr = err
			sess.mu.Unlock()
			sess.sched.Queue("browse-session-closed", func(context.Context) {
				sess.teardown()
			}, sess, 0)
			return
		}
		request := req
		sess.sched.Queue("browse-session-dispatch", func(context.Context) {
			sess.handle(request)
		}, sess, 0)
	}
}

// send writes resp to the session's connection. Serialized by writeMu:
// besides scheduler tasks, scan workers and DNS-SD result drains call it
// concurrently from their own goroutines.
func (sess *Session) send(resp *Response) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := writeFrame(sess.conn, resp); err != nil {
		sess.mu.Lock()
		sess.lastErr = err
		sess.mu.Unlock()
	}
}

// handle dispatches one decoded request per the table in spec.md §4.6.
// Runs on sess.sched.
func (sess *Session) handle(req *Request) {
	switch req.Type {
	case ReqCancel:
		sess.cancelStream(req.Handle)
	case ReqResolve:
		sess.handleResolve(req)
	case ReqService:
		sess.handleService(req)
	case ReqDirpath:
		sess.handleDirpath(req)
	case ReqIPScan:
		sess.handleIPScan(req)
	case ReqPortScan:
		sess.handlePortScan(req)
	default:
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.NotSupported})
	}
}

func (sess *Session) streamFor(handle uuid.UUID, kind RequestType) (*Stream, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if st, ok := sess.streams[handle]; ok {
		return st, false
	}
	st := newStream(handle, kind, sess)
	sess.streams[handle] = st
	return st, true
}

func (sess *Session) cancelStream(handle uuid.UUID) {
	sess.mu.Lock()
	st, ok := sess.streams[handle]
	delete(sess.streams, handle)
	sess.mu.Unlock()
	if ok {
		st.close()
	}
	// spec.md §4.6: cancel produces no response.
}

func (sess *Session) removeStream(handle uuid.UUID) {
	sess.mu.Lock()
	delete(sess.streams, handle)
	sess.mu.Unlock()
}

// forceClose tears the session down immediately: used by sdclient-reset
// and server shutdown rather than a socket-level error.
func (sess *Session) forceClose() {
	sess.sched.Queue("browse-session-force-close", func(context.Context) {
		sess.teardown()
	}, sess, 0)
}

func (sess *Session) teardown() {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	streams := make([]*Stream, 0, len(sess.streams))
	for _, st := range sess.streams {
		streams = append(streams, st)
	}
	sess.streams = nil
	sess.mu.Unlock()

	for _, st := range streams {
		st.close()
	}
	_ = sess.conn.Close()
	sess.sched.Release(sess)
	sess.server.forget(sess)
}

// resolveFSPath applies the "fs:" prefix convention when present, else
// treats item as a literal path (spec.md §8 scenario S3 uses bare absolute
// paths directly).
func (sess *Session) resolveFSPath(item string) (string, error) {
	if sess.server.fs != nil && sess.server.fs.HasPrefix(item) {
		return sess.server.fs.Resolve(item)
	}
	return item, nil
}
