// Package ws implements a proxyd transport.Transport over a raw
// WebSocket-over-TLS stream carrying codec-framed messages (spec.md §4.3,
// §6). Grounded on the teacher's internal/homeassistant WSClient: a
// dedicated read-loop goroutine, a dialer with enlarged buffers, and a
// Reconnect driven by an external health signal — here a connwatch.Watcher
// probing the endpoint instead of Home Assistant's auth handshake.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/proxyd/internal/connwatch"
	"github.com/nugget/proxyd/internal/scheduler"
	"github.com/nugget/proxyd/internal/transport"
	"github.com/nugget/proxyd/internal/wire"
)

// Config configures the WebSocket transport.
type Config struct {
	// DialTimeout bounds each connection attempt (default 10s).
	DialTimeout time.Duration
	// Codec frames Messages on the wire (default wire.NewBinaryCodec()).
	Codec wire.Codec
	Logger *slog.Logger
}

// Transport is a transport.Transport backed by a single WebSocket
// connection with connwatch-driven reconnect.
type Transport struct {
	cfg Config
}

// New creates a WebSocket transport.
func New(cfg Config) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.NewBinaryCodec()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{cfg: cfg}
}

// CreateConnection dials entry.Address and returns a live Connection. The
// returned Connection owns a connwatch.Watcher that probes the endpoint
// and reconnects on recovery.
func (t *Transport) CreateConnection(ctx context.Context, entry transport.Entry, onEvent transport.EventFunc, sched *scheduler.Scheduler) (transport.Connection, error) {
	c := &conn{
		cfg:     t.cfg,
		entry:   entry,
		onEvent: onEvent,
		sched:   sched,
		pending: make(map[uint64]func(*wire.Message, error)),
		logger:  t.cfg.Logger,
	}

	if err := c.dial(ctx); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	mgr := connwatch.NewManager(c.logger)
	c.watcher = mgr.Watch(watchCtx, connwatch.WatcherConfig{
		Name: "ws:" + entry.Address,
		Probe: func(ctx context.Context) error {
			c.mu.Lock()
			live := c.conn != nil
			closed := c.closed
			c.mu.Unlock()
			if live {
				return nil
			}
			if closed {
				return fmt.Errorf("websocket closed")
			}
			return c.dial(ctx)
		},
		OnReady: func() {
			c.mu.Lock()
			needsDial := c.conn == nil && !c.closed
			c.mu.Unlock()
			if needsDial {
				if err := c.dial(context.Background()); err != nil {
					c.logger.Warn("ws reconnect failed", "error", err)
				}
			}
		},
		OnDown: func(err error) {
			_ = c.onEvent(transport.Event{Kind: transport.EventReconnecting, Err: err})
		},
	})

	return c, nil
}

// Release is a no-op: per-connection state is released via Connection.Free.
func (t *Transport) Release() {}

type conn struct {
	cfg     Config
	entry   transport.Entry
	onEvent transport.EventFunc
	sched   *scheduler.Scheduler
	logger  *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	pendingMu sync.Mutex
	pending   map[uint64]func(*wire.Message, error)

	watcher     *connwatch.Watcher
	watchCancel context.CancelFunc

	wg sync.WaitGroup
}

func (c *conn) dial(ctx context.Context) error {
	u, err := url.Parse(c.entry.Address)
	if err != nil {
		return fmt.Errorf("ws: parse address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   1024 * 1024,
		WriteBufferSize:  64 * 1024,
		HandshakeTimeout: c.cfg.DialTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	wsConn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("ws: dial: %w", err)
	}
	wsConn.SetReadLimit(64 * 1024 * 1024)

	c.mu.Lock()
	c.conn = wsConn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(wsConn)
	return nil
}

func (c *conn) readLoop(wsConn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == wsConn {
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				_ = c.onEvent(transport.Event{Kind: transport.EventReconnecting, Err: err})
			}
			return
		}

		msg, err := c.cfg.Codec.Decode(data)
		if err != nil {
			c.logger.Warn("ws: decode failed", "error", err)
			continue
		}
		_ = c.onEvent(transport.Event{Kind: transport.EventReceived, Msg: msg})
	}
}

// Send frames msg with the configured codec and writes it to the socket.
// Completion is reported synchronously via release since a raw WebSocket
// write has no independent ack — release is still called exactly once, as
// every Connection.Send contract requires.
func (c *conn) Send(msg *wire.Message, release func(*wire.Message, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		release(msg, transport.ErrClosed)
		return transport.ErrClosed
	}
	wsConn := c.conn
	c.mu.Unlock()

	if wsConn == nil {
		release(msg, transport.ErrAborted)
		return transport.ErrAborted
	}

	data, err := c.cfg.Codec.Encode(msg)
	if err != nil {
		release(msg, err)
		return err
	}

	if err := wsConn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		release(msg, err)
		return err
	}
	release(msg, nil)
	return nil
}

// Close shuts the connection down exactly once, delivering EventClosed
// after the read loop has drained.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wsConn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if wsConn != nil {
		_ = wsConn.Close()
	}
	c.wg.Wait()
	return c.onEvent(transport.Event{Kind: transport.EventClosed})
}

// Free releases the connwatch.Watcher backing this connection.
func (c *conn) Free() {
	if c.watcher != nil {
		c.watcher.Stop()
	}
	if c.watchCancel != nil {
		c.watchCancel()
	}
}
