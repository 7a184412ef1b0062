package scheduler

import (
	"bytes"
	"context"
	"reflect"
	"runtime"
	"strconv"
	"time"
)

// Owned is implemented by any object pinned to a scheduler. DoNext and
// DoLater take an Owned rather than a bare (Scheduler, context) pair so call
// sites read the same way the source's `__do_next(o, t)` / `__do_later(o, t,
// d)` macros did: "schedule t against o".
type Owned interface {
	Scheduler() *Scheduler
}

// DoNext schedules fn(obj) to run immediately on obj's scheduler. Equivalent
// to the source's `__do_next` macro.
func DoNext(obj Owned, fn func(Owned)) TaskID {
	s := obj.Scheduler()
	wrapped := func(context.Context) { fn(obj) }
	return s.queueKeyed(funcName(fn), wrapped, fn, obj, 0)
}

// DoLater clears any pending task previously scheduled against obj with the
// same fn, then queues fn(obj) with the given delay. Calling DoLater
// repeatedly with no intervening fire results in exactly one eventual
// execution — the debounce idiom used throughout proxyd for heartbeats,
// timeouts, and reconnect backoff (spec.md §4.1, property 3).
//
// The dedup key is fn's own code pointer (via reflect), not the wrapper
// closure DoLater builds internally, so two different fn values scheduled
// against the same obj debounce independently. fn must therefore be a
// stable function value across calls — a package-level function or a bound
// method value, not a fresh closure literal built at the call site (a fresh
// closure has the same code pointer across loop iterations of the *same*
// source line, but a different one per distinct call site).
func DoLater(obj Owned, fn func(Owned), delay time.Duration) TaskID {
	s := obj.Scheduler()
	wrapped := func(context.Context) { fn(obj) }
	s.clearKeyed(fn, obj)
	return s.queueKeyed(funcName(fn), wrapped, fn, obj, delay)
}

func funcName(fn any) string {
	pc := reflect.ValueOf(fn).Pointer()
	if f := runtime.FuncForPC(pc); f != nil {
		return f.Name()
	}
	return "task"
}

// AssertAffinity panics if the calling goroutine is not s's run-loop
// goroutine. Mirrors the source's dbg_assert_is_task macro: proxyd never
// recovers from an affinity violation because it indicates a cross-
// scheduler mutation bug, not an operational failure.
func AssertAffinity(s *Scheduler) {
	if !s.RunsMe() {
		panic("scheduler: operation not running on owning scheduler")
	}
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}
	b = b[len(prefix):]
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return id
}
