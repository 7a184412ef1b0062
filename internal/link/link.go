// Package link implements the per-socket state machine spec.md §4.5
// describes: one Link per remote socket identity, driving a pal.Socket
// through created→opened→{bound,listening,connecting}→connected→closing→
// closed, with a receive pump, a send pump, and at-most-once control
// message semantics.
package link

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/proxyd/internal/pal"
	"github.com/nugget/proxyd/internal/prxerr"
	"github.com/nugget/proxyd/internal/scheduler"
	"github.com/nugget/proxyd/internal/wire"
)

// State is a link's position in the state machine of spec.md §4.5.
type State int

const (
	StateCreated State = iota
	StateOpened
	StateBound
	StateListening
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxReadChunk bounds a single receive-pump read.
const maxReadChunk = 64 * 1024

// maxQueuedSendBuffers bounds the send queue before data{} is rejected
// with prxerr.Busy, applying backpressure to the peer.
const maxQueuedSendBuffers = 256

// Sender is the server-side delivery path a Link posts data/response
// messages through (spec.md §4.4 "send path").
type Sender interface {
	Send(msg *wire.Message) error
}

// Link is one entry in a socket-link server's link map. All mutating
// methods except Handle's goroutine-posted continuations assume they run
// on the owning scheduler; neither Link nor the server checks this at run
// time.
type Link struct {
	ID     uuid.UUID
	server Sender
	sched  *scheduler.Scheduler

	mu    sync.Mutex
	state State
	sock  pal.Socket

	network string // set by link-open, used by handleConnect/handleListen

	outSeq uint32

	sendQueue   [][]byte
	sending     bool
	recvRunning bool

	// remembered holds the last response computed per correlation id for
	// the current state, implementing spec.md §4.5's at-most-once replay:
	// a retry (same correlation id and message type) gets the remembered
	// answer. Every state transition resets the map, after which the
	// response of the request that caused the transition is stored, so a
	// retry of that request still replays it; once the state advances
	// again the map has been cleared and a retry instead sees er_bad_state.
	// A different message type reusing a remembered id is handled afresh.
	remembered map[uint64]*wire.Message

	lastError error
}

// New creates a Link in StateCreated, bound to id, routed through srv, and
// pinned to sched.
func New(id uuid.UUID, srv Sender, sched *scheduler.Scheduler) *Link {
	return &Link{
		ID:         id,
		server:     srv,
		sched:      sched,
		state:      StateCreated,
		remembered: make(map[uint64]*wire.Message),
	}
}

// Scheduler implements scheduler.Owned so Link can use DoLater/DoNext.
func (l *Link) Scheduler() *scheduler.Scheduler { return l.sched }

// State returns the link's current state. Safe for concurrent use.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.state = s
	l.remembered = make(map[uint64]*wire.Message)
}

// Handle processes one inbound control or data message and returns the
// response to send back to the peer (nil only for link-connect, whose
// response is sent once the asynchronous PAL connect completes).
func (l *Link) Handle(msg *wire.Message) *wire.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	if resp, ok := l.remembered[msg.CorrelationID]; ok && resp.Type == msg.Type {
		return resp
	}

	var resp *wire.Message
	switch msg.Type {
	case wire.TypeLinkOpen:
		resp = l.handleOpenLocked(msg)
	case wire.TypeLinkBind:
		resp = l.handleBindLocked(msg)
	case wire.TypeLinkListen:
		resp = l.handleListenLocked(msg)
	case wire.TypeLinkConnect:
		resp = l.handleConnectLocked(msg)
	case wire.TypeLinkSetOpt:
		resp = l.handleSetOptLocked(msg)
	case wire.TypeLinkGetOpt:
		resp = l.handleGetOptLocked(msg)
	case wire.TypeLinkClose:
		resp = l.handleCloseLocked(msg)
	case wire.TypeData:
		resp = l.handleDataLocked(msg)
	case wire.TypePoll:
		resp = l.handlePollLocked(msg)
	default:
		resp = l.errorResponse(msg, prxerr.NotSupported)
	}

	if resp != nil {
		l.remembered[msg.CorrelationID] = resp
	}
	return resp
}

func (l *Link) errorResponse(msg *wire.Message, code prxerr.Code) *wire.Message {
	return &wire.Message{
		SourceAddress: msg.SourceAddress,
		ProxyAddress:  msg.ProxyAddress,
		CorrelationID: msg.CorrelationID,
		ErrorCode:     code,
		Type:          msg.Type,
	}
}

func (l *Link) okResponse(msg *wire.Message) *wire.Message {
	return &wire.Message{
		SourceAddress: msg.SourceAddress,
		ProxyAddress:  msg.ProxyAddress,
		CorrelationID: msg.CorrelationID,
		ErrorCode:     prxerr.Ok,
		Type:          msg.Type,
	}
}

func (l *Link) handleOpenLocked(msg *wire.Message) *wire.Message {
	if l.state != StateCreated {
		return l.errorResponse(msg, prxerr.BadState)
	}
	body, _ := msg.Body.(*wire.LinkOpenBody)
	network := "tcp"
	if body != nil && body.Protocol == 17 {
		network = "udp"
	}
	l.network = network
	l.sock = pal.New(network)
	l.setState(StateOpened)
	return l.okResponse(msg)
}

func (l *Link) handleBindLocked(msg *wire.Message) *wire.Message {
	if l.state != StateOpened {
		return l.errorResponse(msg, prxerr.BadState)
	}
	body, ok := msg.Body.(*wire.LinkBindBody)
	if !ok {
		return l.errorResponse(msg, prxerr.Arg)
	}
	if err := l.sock.Bind(body.Address); err != nil {
		return l.errorResponse(msg, prxerr.CodeOf(err))
	}
	l.setState(StateBound)
	return l.okResponse(msg)
}

func (l *Link) handleListenLocked(msg *wire.Message) *wire.Message {
	if l.state != StateBound {
		return l.errorResponse(msg, prxerr.BadState)
	}
	body, ok := msg.Body.(*wire.LinkListenBody)
	if !ok {
		return l.errorResponse(msg, prxerr.Arg)
	}
	if err := l.sock.Listen(int(body.Backlog)); err != nil {
		return l.errorResponse(msg, prxerr.CodeOf(err))
	}
	l.setState(StateListening)
	return l.okResponse(msg)
}

// handleConnectLocked kicks off an asynchronous PAL connect. The PAL
// completion callback arrives on a foreign thread (the goroutine below);
// it re-enters the link's scheduler via scheduler.Queue before touching
// link state, per spec.md §5's suspension-point contract.
func (l *Link) handleConnectLocked(msg *wire.Message) *wire.Message {
	if l.state != StateOpened {
		return l.errorResponse(msg, prxerr.BadState)
	}
	body, ok := msg.Body.(*wire.LinkConnectBody)
	if !ok {
		return l.errorResponse(msg, prxerr.Arg)
	}
	l.setState(StateConnecting)

	sock := l.sock
	address := body.Address
	sched := l.sched
	corrID := msg.CorrelationID
	reqMsg := msg

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := sock.Connect(ctx, address)

		sched.Queue("link-connect-complete", func(context.Context) {
			l.completeConnect(reqMsg, corrID, err)
		}, l, 0)
	}()

	// No synchronous response: the connect completion posts the real
	// response once the PAL operation finishes (spec.md §4.5 step 3).
	return nil
}

func (l *Link) completeConnect(reqMsg *wire.Message, corrID uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateConnecting {
		return // superseded by a close that raced the connect
	}

	var resp *wire.Message
	if err != nil {
		l.lastError = err
		l.setState(StateClosing)
		resp = l.errorResponse(reqMsg, prxerr.CodeOf(err))
	} else {
		l.setState(StateConnected)
		resp = l.okResponse(reqMsg)
		l.armRecvLocked()
	}
	l.remembered[corrID] = resp
	_ = l.server.Send(resp)
}

func (l *Link) handleSetOptLocked(msg *wire.Message) *wire.Message {
	if l.state == StateCreated || l.state == StateClosed {
		return l.errorResponse(msg, prxerr.BadState)
	}
	body, ok := msg.Body.(*wire.LinkSetOptBody)
	if !ok {
		return l.errorResponse(msg, prxerr.Arg)
	}
	if err := l.sock.SetOpt(pal.Option(body.Option), body.Value); err != nil {
		return l.errorResponse(msg, prxerr.CodeOf(err))
	}
	return l.okResponse(msg)
}

func (l *Link) handleGetOptLocked(msg *wire.Message) *wire.Message {
	if l.state == StateCreated || l.state == StateClosed {
		return l.errorResponse(msg, prxerr.BadState)
	}
	body, ok := msg.Body.(*wire.LinkGetOptBody)
	if !ok {
		return l.errorResponse(msg, prxerr.Arg)
	}
	val, err := l.sock.GetOpt(pal.Option(body.Option))
	if err != nil {
		return l.errorResponse(msg, prxerr.CodeOf(err))
	}
	resp := l.okResponse(msg)
	resp.Body = &wire.LinkSetOptBody{Option: body.Option, Value: val}
	return resp
}

// handleCloseLocked is idempotent: closing an already-closing or closed
// link just returns ok (spec.md §4.4 tie-break policy).
func (l *Link) handleCloseLocked(msg *wire.Message) *wire.Message {
	if l.state == StateClosing || l.state == StateClosed {
		return l.okResponse(msg)
	}
	l.setState(StateClosing)
	if l.sock != nil {
		_ = l.sock.Close()
	}
	l.setState(StateClosed)
	return l.okResponse(msg)
}

// handleDataLocked appends msg's buffer to the send queue and drives the
// send pump. Data addressed to a closing or closed link is dropped with an
// undelivered notification (spec.md §4.4).
func (l *Link) handleDataLocked(msg *wire.Message) *wire.Message {
	if l.state == StateClosing || l.state == StateClosed {
		return l.errorResponse(msg, prxerr.Undelivered)
	}
	if l.state != StateConnected {
		return l.errorResponse(msg, prxerr.BadState)
	}
	body, ok := msg.Body.(*wire.DataBody)
	if !ok {
		return l.errorResponse(msg, prxerr.Arg)
	}
	if len(l.sendQueue) >= maxQueuedSendBuffers {
		return l.errorResponse(msg, prxerr.Busy)
	}
	l.sendQueue = append(l.sendQueue, body.Buffer)
	l.driveSendLocked()
	return l.okResponse(msg)
}

// handlePollLocked is the pull-mode path: it has no queued-bytes store of
// its own (inbound bytes are pushed to the server as soon as the receive
// pump reads them), so a poll simply reports emptiness. Peers that want
// pull semantics configure the link without an active receive pump in a
// fuller implementation; proxyd's receive pump always pushes.
func (l *Link) handlePollLocked(msg *wire.Message) *wire.Message {
	if l.state != StateConnected {
		return l.errorResponse(msg, prxerr.BadState)
	}
	resp := l.okResponse(msg)
	resp.Body = &wire.PollBody{}
	return resp
}

// armRecvLocked starts a single in-flight read if one is not already
// running, implementing the "single pending receive" backpressure rule of
// spec.md §4.5: the next read is only armed after the previous one's data
// message has been handed to the server.
func (l *Link) armRecvLocked() {
	if l.recvRunning || l.state != StateConnected {
		return
	}
	l.recvRunning = true
	sock := l.sock
	sched := l.sched

	go func() {
		buf := make([]byte, maxReadChunk)
		n, err := sock.Read(context.Background(), buf)
		sched.Queue("link-recv-complete", func(context.Context) {
			l.completeRecv(buf[:n], err)
		}, l, 0)
	}()
}

func (l *Link) completeRecv(data []byte, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.recvRunning = false
	if l.state != StateConnected {
		return
	}

	if err != nil {
		code := prxerr.CodeOf(err)
		if code == prxerr.Retry {
			l.armRecvLocked()
			return
		}
		l.lastError = err
		l.setState(StateClosing)
		if l.sock != nil {
			_ = l.sock.Close()
		}
		l.setState(StateClosed)
		return
	}

	if len(data) > 0 {
		l.outSeq++
		dataMsg := &wire.Message{
			SourceAddress: l.ID,
			SequenceID:    l.outSeq,
			ErrorCode:     prxerr.Ok,
			Type:          wire.TypeData,
			Body:          &wire.DataBody{Buffer: append([]byte(nil), data...)},
		}
		_ = l.server.Send(dataMsg)
	}

	l.armRecvLocked()
}

// driveSendLocked pops the next queued buffer and writes it via the PAL,
// re-queuing at the head on a retry (spec.md §4.5 send pump).
func (l *Link) driveSendLocked() {
	if l.sending || len(l.sendQueue) == 0 || l.state != StateConnected {
		return
	}
	l.sending = true
	buf := l.sendQueue[0]
	l.sendQueue = l.sendQueue[1:]

	sock := l.sock
	sched := l.sched

	go func() {
		n, err := sock.Write(context.Background(), buf)
		sched.Queue("link-send-complete", func(context.Context) {
			l.completeSend(buf, n, err)
		}, l, 0)
	}()
}

func (l *Link) completeSend(buf []byte, n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sending = false
	if err != nil {
		if prxerr.CodeOf(err) == prxerr.Retry {
			l.sendQueue = append([][]byte{buf}, l.sendQueue...)
			l.driveSendLocked()
			return
		}
		l.lastError = err
		l.setState(StateClosing)
		if l.sock != nil {
			_ = l.sock.Close()
		}
		l.setState(StateClosed)
		return
	}

	if n < len(buf) {
		l.sendQueue = append([][]byte{buf[n:]}, l.sendQueue...)
	}
	l.driveSendLocked()
}

// LastError returns the most recent PAL error observed, or nil.
func (l *Link) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastError
}

// HandleReconnecting notifies the link that its server's transport
// connection is reconnecting after err (spec.md §4.4 "On reconnecting(err):
// notify all links — they may drain or fail inflight requests"). The link
// itself is not closed here; recovery is a link-level decision and the PAL
// socket stays open across the transport hiccup. Recorded so LastError
// reflects the most recent condition observed even when no PAL callback
// has fired since.
func (l *Link) HandleReconnecting(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastError = err
}
