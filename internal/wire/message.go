// Package wire defines the control-plane message envelope proxyd exchanges
// with the hub over a transport connection, the codec that frames it on the
// wire, and the per-connection pool messages are drawn from.
package wire

import (
	"github.com/google/uuid"

	"github.com/nugget/proxyd/internal/prxerr"
)

// Type is the closed set of message kinds a proxyd connection exchanges.
// Values are stable across releases; the wire form is a single byte.
type Type uint8

const (
	TypePing Type = iota
	TypeResolve
	TypeLinkOpen
	TypeLinkSetOpt
	TypeLinkGetOpt
	TypeLinkBind
	TypeLinkListen
	TypeLinkConnect
	TypeLinkAccept
	TypeLinkClose
	TypeData
	TypePoll
)

func (t Type) String() string {
	switch t {
	case TypePing:
		return "ping"
	case TypeResolve:
		return "resolve"
	case TypeLinkOpen:
		return "link-open"
	case TypeLinkSetOpt:
		return "link-setopt"
	case TypeLinkGetOpt:
		return "link-getopt"
	case TypeLinkBind:
		return "link-bind"
	case TypeLinkListen:
		return "link-listen"
	case TypeLinkConnect:
		return "link-connect"
	case TypeLinkAccept:
		return "link-accept"
	case TypeLinkClose:
		return "link-close"
	case TypeData:
		return "data"
	case TypePoll:
		return "poll"
	default:
		return "unknown"
	}
}

// Body implementations carry the per-Type tagged union payload. newBody
// returns the zero value the decoder should populate for t, or nil for
// types that carry no body.
func newBody(t Type) any {
	switch t {
	case TypeLinkOpen:
		return &LinkOpenBody{}
	case TypeLinkSetOpt:
		return &LinkSetOptBody{}
	case TypeLinkGetOpt:
		return &LinkGetOptBody{}
	case TypeLinkBind:
		return &LinkBindBody{}
	case TypeLinkListen:
		return &LinkListenBody{}
	case TypeLinkConnect:
		return &LinkConnectBody{}
	case TypeData:
		return &DataBody{}
	case TypePoll:
		return &PollBody{}
	case TypeResolve:
		return &ResolveBody{}
	default:
		return nil
	}
}

// LinkOpenBody is the payload of a TypeLinkOpen message (spec §6).
type LinkOpenBody struct {
	Family   int32  `json:"family"`
	Type     int32  `json:"type"`
	Protocol int32  `json:"protocol"`
	Address  string `json:"address,omitempty"`
}

// LinkBindBody is the payload of a TypeLinkBind message.
type LinkBindBody struct {
	Address string `json:"address"`
}

// LinkListenBody is the payload of a TypeLinkListen message.
type LinkListenBody struct {
	Backlog int32 `json:"backlog"`
}

// LinkConnectBody is the payload of a TypeLinkConnect message.
type LinkConnectBody struct {
	Address string `json:"address"`
}

// LinkSetOptBody is the payload of a TypeLinkSetOpt message.
type LinkSetOptBody struct {
	Option int32 `json:"option"`
	Value  int64 `json:"value"`
}

// LinkGetOptBody is the payload of a TypeLinkGetOpt message.
type LinkGetOptBody struct {
	Option int32 `json:"option"`
}

// DataBody is the payload of a TypeData message.
type DataBody struct {
	Buffer []byte `json:"buffer"`
}

// PollBody is the payload of a TypePoll message.
type PollBody struct {
	Timeout int32 `json:"timeout"`
	Max     int32 `json:"max"`
}

// ResolveBody is the payload of a TypeResolve message: a name-service lookup
// of a proxy or link address.
type ResolveBody struct {
	Name string `json:"name,omitempty"`
}

// Message is the typed envelope every proxyd connection sends and receives
// (spec.md §3, §6). SourceAddress and ProxyAddress are the 16-byte
// references of the schema, carried as uuid.UUID. Body holds the
// Type-specific payload struct (nil for ping/link-accept/link-close, which
// carry none).
type Message struct {
	SourceAddress uuid.UUID
	ProxyAddress  uuid.UUID
	SequenceID    uint32
	CorrelationID uint64
	ErrorCode     prxerr.Code
	Type          Type
	Body          any
}

// New allocates a zero-value Message of the given type with its body
// initialized to the type's payload struct (or nil for bodyless types).
// Prefer [Factory.Get] in connection code so allocation respects the
// inflight cap; New is for tests and codec-internal use.
func New(t Type) *Message {
	return &Message{Type: t, Body: newBody(t)}
}

// Clone returns a deep-enough copy of m suitable for handing to
// Connection.Send, which takes ownership of the clone and releases it on
// send completion while the original remains the caller's.
func (m *Message) Clone() *Message {
	c := *m
	if db, ok := m.Body.(*DataBody); ok {
		buf := make([]byte, len(db.Buffer))
		copy(buf, db.Buffer)
		c.Body = &DataBody{Buffer: buf}
	}
	return &c
}

// reset zeroes m for reuse by a Factory, dropping any body so stale payload
// data cannot leak into the next allocation.
func (m *Message) reset() {
	*m = Message{}
}
