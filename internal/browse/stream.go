package browse

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/proxyd/internal/scheduler"
)

// Stream is one long-running discovery/scan instance bound to a client-
// supplied handle (spec.md §3 "Browse stream"). A stream-timeout task,
// debounced via scheduler.DoLater, fires a synthetic empty|all-for-now
// response whenever no PAL result has arrived within the configured
// window, then stays armed for future results (spec.md §4.6, §8 property
// 7).
type Stream struct {
	handle uuid.UUID
	kind   RequestType
	sess   *Session

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

func newStream(handle uuid.UUID, kind RequestType, sess *Session) *Stream {
	st := &Stream{handle: handle, kind: kind, sess: sess}
	st.armTimeout()
	return st
}

// Scheduler implements scheduler.Owned so streamTimeoutFired debounces per
// Stream instance (the shared package-level fn plus this stream as owner).
func (st *Stream) Scheduler() *scheduler.Scheduler { return st.sess.sched }

func (st *Stream) armTimeout() {
	scheduler.DoLater(st, streamTimeoutFired, st.sess.server.cfg.StreamTimeout())
}

// emit delivers resp to the session and rearms the idle timer, since a
// fresh result always postpones the next synthetic empty response.
func (st *Stream) emit(resp *Response) {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return
	}
	st.sess.send(resp)
	st.armTimeout()
}

func (st *Stream) onTimeout() {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return
	}
	st.sess.send(&Response{Handle: st.handle, Flags: FlagEmpty | FlagAllForNow})
	st.armTimeout()
}

// close cancels any in-flight PAL operation and clears the pending timeout
// task. Idempotent.
func (st *Stream) close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	cancel := st.cancel
	st.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	st.sess.sched.Release(st)
}

func streamTimeoutFired(o scheduler.Owned) {
	o.(*Stream).onTimeout()
}
