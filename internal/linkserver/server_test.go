package linkserver

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/proxyd/internal/events"
	"github.com/nugget/proxyd/internal/prxerr"
	"github.com/nugget/proxyd/internal/scheduler"
	"github.com/nugget/proxyd/internal/transport"
	"github.com/nugget/proxyd/internal/wire"
)

// fakeConn is a minimal transport.Connection recording every sent message.
type fakeConn struct {
	sent []*wire.Message
}

func (f *fakeConn) Send(msg *wire.Message, release func(*wire.Message, error)) error {
	f.sent = append(f.sent, msg)
	if release != nil {
		release(msg, nil)
	}
	return nil
}
func (f *fakeConn) Close() error { return nil }
func (f *fakeConn) Free()        {}

func newTestServer(t *testing.T) (*Server, *fakeConn) {
	t.Helper()
	sched := scheduler.New(nil, slog.Default())
	t.Cleanup(sched.AtExit)
	srv := New(sched, events.New(), slog.Default())
	conn := &fakeConn{}
	srv.Attach(conn)
	return srv, conn
}

func TestDispatchAutoCreatesLinkOnOpen(t *testing.T) {
	srv, conn := newTestServer(t)

	addr := uuid.New()
	msg := wire.New(wire.TypeLinkOpen)
	msg.SourceAddress = addr
	msg.CorrelationID = 1

	srv.dispatch(msg)

	require.Len(t, conn.sent, 1)
	assert.Equal(t, prxerr.Ok, conn.sent[0].ErrorCode)

	srv.mu.Lock()
	_, exists := srv.links[addr]
	srv.mu.Unlock()
	assert.True(t, exists)
}

func TestDispatchDuplicateOpenIsAlreadyExists(t *testing.T) {
	srv, conn := newTestServer(t)
	addr := uuid.New()

	open1 := wire.New(wire.TypeLinkOpen)
	open1.SourceAddress = addr
	srv.dispatch(open1)

	open2 := wire.New(wire.TypeLinkOpen)
	open2.SourceAddress = addr
	srv.dispatch(open2)

	require.Len(t, conn.sent, 2)
	assert.Equal(t, prxerr.AlreadyExists, conn.sent[1].ErrorCode)
}

func TestDispatchUnmatchedNonOpenIsNotFound(t *testing.T) {
	srv, conn := newTestServer(t)

	msg := wire.New(wire.TypeLinkBind)
	msg.SourceAddress = uuid.New()
	msg.Body = &wire.LinkBindBody{Address: "127.0.0.1:0"}

	srv.dispatch(msg)

	require.Len(t, conn.sent, 1)
	assert.Equal(t, prxerr.NotFound, conn.sent[0].ErrorCode)
}

func TestDispatchForgetsLinkAfterClose(t *testing.T) {
	srv, _ := newTestServer(t)
	addr := uuid.New()

	open := wire.New(wire.TypeLinkOpen)
	open.SourceAddress = addr
	srv.dispatch(open)

	closeMsg := wire.New(wire.TypeLinkClose)
	closeMsg.SourceAddress = addr
	srv.dispatch(closeMsg)

	srv.mu.Lock()
	_, exists := srv.links[addr]
	srv.mu.Unlock()
	assert.False(t, exists, "server should forget a link once it reaches StateClosed")
}

func TestTeardownAllClearsEveryLink(t *testing.T) {
	srv, conn := newTestServer(t)

	for i := 0; i < 3; i++ {
		open := wire.New(wire.TypeLinkOpen)
		open.SourceAddress = uuid.New()
		srv.dispatch(open)
	}

	srv.mu.Lock()
	assert.Len(t, srv.links, 3)
	srv.mu.Unlock()

	srv.teardownAll()

	srv.mu.Lock()
	assert.Len(t, srv.links, 0)
	assert.Nil(t, srv.conn)
	srv.mu.Unlock()
	_ = conn
}

func TestDispatchPingIsAnsweredDirectly(t *testing.T) {
	srv, conn := newTestServer(t)

	ping := wire.New(wire.TypePing)
	ping.CorrelationID = 1

	srv.dispatch(ping)

	require.Len(t, conn.sent, 1)
	assert.Equal(t, wire.TypePing, conn.sent[0].Type)
	assert.Equal(t, prxerr.Ok, conn.sent[0].ErrorCode)
	assert.Equal(t, uint64(1), conn.sent[0].CorrelationID)

	srv.mu.Lock()
	assert.Empty(t, srv.links, "a ping must not create a link")
	srv.mu.Unlock()
}

func TestBroadcastReconnectingNotifiesEveryLink(t *testing.T) {
	srv, _ := newTestServer(t)

	var addrs []uuid.UUID
	for i := 0; i < 2; i++ {
		addr := uuid.New()
		addrs = append(addrs, addr)
		open := wire.New(wire.TypeLinkOpen)
		open.SourceAddress = addr
		srv.dispatch(open)
	}

	wantErr := assert.AnError
	srv.broadcastReconnecting(wantErr)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, addr := range addrs {
		l, ok := srv.links[addr]
		require.True(t, ok)
		assert.Equal(t, wantErr, l.LastError())
	}
}

func TestHandleEventDispatchesReceived(t *testing.T) {
	srv, conn := newTestServer(t)

	msg := wire.New(wire.TypeLinkOpen)
	msg.SourceAddress = uuid.New()

	err := srv.HandleEvent(transport.Event{Kind: transport.EventReceived, Msg: msg})
	require.NoError(t, err)
	require.Len(t, conn.sent, 1)
}
