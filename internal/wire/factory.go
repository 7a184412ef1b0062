package wire

import (
	"sync"
	"sync/atomic"

	"github.com/nugget/proxyd/internal/prxerr"
)

// DefaultSoftCap is the default inflight ceiling a Factory enforces before
// [Factory.Get] starts returning prxerr.Busy, matching the 100-inflight
// default in spec.md §4.2.
const DefaultSoftCap = 100

// Factory is the per-connection message pool of spec.md §4.2: messages are
// drawn from Get and returned via Release, and the soft cap applies
// backpressure to callers once too many messages are outstanding, rather
// than growing unbounded. The shipped codec and transports allocate their
// Messages directly and do not draw them from a Factory.
type Factory struct {
	cap     int64
	inflight atomic.Int64
	pool    sync.Pool
}

// NewFactory creates a Factory with the given soft cap. softCap <= 0 uses
// DefaultSoftCap.
func NewFactory(softCap int) *Factory {
	if softCap <= 0 {
		softCap = DefaultSoftCap
	}
	f := &Factory{cap: int64(softCap)}
	f.pool.New = func() any { return &Message{} }
	return f
}

// Get draws a Message of type t from the pool, or returns prxerr.Busy if
// the factory is already at its inflight cap. The caller must pass the
// returned Message to Release exactly once when done with it.
func (f *Factory) Get(t Type) (*Message, error) {
	if f.inflight.Add(1) > f.cap {
		f.inflight.Add(-1)
		return nil, prxerr.New(prxerr.Busy, "message factory inflight cap reached")
	}
	m := f.pool.Get().(*Message)
	m.Type = t
	m.Body = newBody(t)
	return m, nil
}

// Release returns m to the pool, decrementing the inflight count. Releasing
// a Message not obtained from this Factory, or releasing it twice, is a
// caller bug; Release does not attempt to detect it.
func (f *Factory) Release(m *Message) {
	if m == nil {
		return
	}
	m.reset()
	f.pool.Put(m)
	f.inflight.Add(-1)
}

// Inflight reports the current number of messages checked out and not yet
// released. Exposed for tests and diagnostics.
func (f *Factory) Inflight() int {
	return int(f.inflight.Load())
}
