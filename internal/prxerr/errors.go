// Package prxerr defines the flat error taxonomy shared by every proxyd
// subsystem. A single enumeration covers scheduler, transport, link, and
// browse failures so that codes round-trip across the control-plane wire
// unchanged.
package prxerr

// Code is a member of the flat error enumeration. The zero value is Ok.
// Order matches the managed-layer enumeration this was ported from; do not
// reorder existing members, only append.
type Code int32

const (
	Unknown Code = -1001 + iota
	Fatal
	Arg
	Fault
	BadState
	OutOfMemory
	AlreadyExists
	NotFound
	NotSupported
	NotImpl
	Permission
	Retry
	NoMore
	Network
	Connecting
	Busy
	Writing
	Reading
	Waiting
	Timeout
	Aborted
	Closed
	Shutdown
	Refused
	NoAddress
	NoHost
	HostUnknown
	AddressFamily
	Duplicate
	BadFlags
	InvalidFormat
	DiskIO
	Missing
	PropGet
	PropSet
	Reset
	Undelivered
	Crypto
	Comm
)

// Ok represents success and is always the zero-distance sentinel, matching
// the C enum's er_ok = 0 even though the rest of the values are negative.
const Ok Code = 0

var names = map[Code]string{
	Ok:            "ok",
	Unknown:       "unknown",
	Fatal:         "fatal",
	Arg:           "arg",
	Fault:         "fault",
	BadState:      "bad_state",
	OutOfMemory:   "out_of_memory",
	AlreadyExists: "already_exists",
	NotFound:      "not_found",
	NotSupported:  "not_supported",
	NotImpl:       "not_impl",
	Permission:    "permission",
	Retry:         "retry",
	NoMore:        "nomore",
	Network:       "network",
	Connecting:    "connecting",
	Busy:          "busy",
	Writing:       "writing",
	Reading:       "reading",
	Waiting:       "waiting",
	Timeout:       "timeout",
	Aborted:       "aborted",
	Closed:        "closed",
	Shutdown:      "shutdown",
	Refused:       "refused",
	NoAddress:     "no_address",
	NoHost:        "no_host",
	HostUnknown:   "host_unknown",
	AddressFamily: "address_family",
	Duplicate:     "duplicate",
	BadFlags:      "bad_flags",
	InvalidFormat: "invalid_format",
	DiskIO:        "disk_io",
	Missing:       "missing",
	PropGet:       "prop_get",
	PropSet:       "prop_set",
	Reset:         "reset",
	Undelivered:   "undelivered",
	Crypto:        "crypto",
	Comm:          "comm",
}

// String returns the stable lowercase identifier for code, or "unknown" for
// any value outside the enumeration.
func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return names[Unknown]
}

// Error wraps a Code as a Go error, optionally carrying a human-readable
// detail message for logs. Two Errors with the same Code are considered
// equivalent by [Is]; the message never affects comparison, because
// control-plane peers only ever see the code.
type Error struct {
	Code Code
	Msg  string
}

// New creates an *Error for code with an optional detail message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

// Is reports whether target is a *prxerr.Error with the same Code, so
// errors.Is(err, prxerr.New(prxerr.NotFound, "")) works regardless of Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err. Non-*Error values map to Unknown, nil
// maps to Ok.
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Unknown
}
