package browse

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/proxyd/internal/config"
	"github.com/nugget/proxyd/internal/events"
	"github.com/nugget/proxyd/internal/prxerr"
	"github.com/nugget/proxyd/internal/scheduler"
)

func newTestServer(t *testing.T, cfg config.BrowseConfig) *Server {
	t.Helper()
	sched := scheduler.New(nil, slog.Default())
	t.Cleanup(sched.AtExit)
	return New(sched, events.New(), slog.Default(), cfg)
}

func readResponse(t *testing.T, r *bufio.Reader) *Response {
	t.Helper()
	var lenBuf [4]byte
	_, err := io.ReadFull(r, lenBuf[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	return &resp
}

func TestDirpathListsEntriesThenAllForNow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("x"), 0644))

	srv := newTestServer(t, config.BrowseConfig{FSBrowseEnabled: true})
	client, serverConn := net.Pipe()
	defer client.Close()
	sess := newSession(uuid.New(), srv, scheduler.New(srv.sched, slog.Default()), serverConn)
	go sess.readLoop()

	require.NoError(t, writeFrame(client, &Request{Handle: uuid.New(), Type: ReqDirpath, Item: dir}))

	r := bufio.NewReader(client)
	items := map[string]bool{}
	for i := 0; i < 2; i++ {
		resp := readResponse(t, r)
		assert.Equal(t, prxerr.Ok, resp.ErrorCode)
		items[resp.Item] = true
	}
	final := readResponse(t, r)
	assert.Equal(t, FlagEmpty|FlagAllForNow, final.Flags)

	assert.True(t, items["a"])
	assert.True(t, items["b"])
}

func TestDirpathDisabledReturnsNotSupported(t *testing.T) {
	srv := newTestServer(t, config.BrowseConfig{FSBrowseEnabled: false})
	client, serverConn := net.Pipe()
	defer client.Close()
	sess := newSession(uuid.New(), srv, scheduler.New(srv.sched, slog.Default()), serverConn)
	go sess.readLoop()

	require.NoError(t, writeFrame(client, &Request{Handle: uuid.New(), Type: ReqDirpath, Item: "/tmp"}))

	r := bufio.NewReader(client)
	resp := readResponse(t, r)
	assert.Equal(t, prxerr.NotSupported, resp.ErrorCode)
}

func TestResolveDisabledReturnsNotSupported(t *testing.T) {
	srv := newTestServer(t, config.BrowseConfig{SDEnabled: false})
	client, serverConn := net.Pipe()
	defer client.Close()
	sess := newSession(uuid.New(), srv, scheduler.New(srv.sched, slog.Default()), serverConn)
	go sess.readLoop()

	require.NoError(t, writeFrame(client, &Request{Handle: uuid.New(), Type: ReqResolve, Item: "foo._http._tcp.local"}))

	r := bufio.NewReader(client)
	resp := readResponse(t, r)
	assert.Equal(t, prxerr.NotSupported, resp.ErrorCode)
}

func TestScanDisabledReturnsNotSupported(t *testing.T) {
	srv := newTestServer(t, config.BrowseConfig{ScanEnabled: false})
	client, serverConn := net.Pipe()
	defer client.Close()
	sess := newSession(uuid.New(), srv, scheduler.New(srv.sched, slog.Default()), serverConn)
	go sess.readLoop()

	require.NoError(t, writeFrame(client, &Request{Handle: uuid.New(), Type: ReqPortScan, Item: "127.0.0.1"}))

	r := bufio.NewReader(client)
	resp := readResponse(t, r)
	assert.Equal(t, prxerr.NotSupported, resp.ErrorCode)
}

func TestCancelRemovesStreamWithoutResponse(t *testing.T) {
	srv := newTestServer(t, config.BrowseConfig{ScanEnabled: false})
	client, serverConn := net.Pipe()
	defer client.Close()
	sess := newSession(uuid.New(), srv, scheduler.New(srv.sched, slog.Default()), serverConn)

	handle := uuid.New()
	st, created := sess.streamFor(handle, ReqResolve)
	require.True(t, created)
	require.NotNil(t, st)

	done := make(chan struct{})
	go func() {
		sess.cancelStream(handle)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelStream did not return")
	}

	sess.mu.Lock()
	_, exists := sess.streams[handle]
	sess.mu.Unlock()
	assert.False(t, exists)
}

func TestStreamTimeoutEmitsSyntheticEmpty(t *testing.T) {
	srv := newTestServer(t, config.BrowseConfig{StreamTimeoutMS: 20})
	client, serverConn := net.Pipe()
	defer client.Close()
	sess := newSession(uuid.New(), srv, scheduler.New(srv.sched, slog.Default()), serverConn)

	handle := uuid.New()
	defer sess.cancelStream(handle)
	go func() {
		sess.streamFor(handle, ReqResolve)
	}()

	r := bufio.NewReader(client)
	resp := readResponse(t, r)
	assert.Equal(t, FlagEmpty|FlagAllForNow, resp.Flags)
	assert.Equal(t, handle, resp.Handle)
}
