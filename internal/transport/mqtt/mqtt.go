// Package mqtt implements a proxyd transport.Transport over MQTT-over-TLS
// methods topics (spec.md §4.3, §6). Wraps github.com/eclipse/paho.golang's
// autopaho + paho, the exact stack the teacher's internal/mqtt package
// uses for Home Assistant discovery publishing, generalized here from
// discovery/sensor-state publishing to framed request/response delivery:
// outbound frames publish on "<device>/methods/rx", inbound frames arrive
// on the "<device>/methods/tx" subscription.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/proxyd/internal/scheduler"
	"github.com/nugget/proxyd/internal/transport"
	"github.com/nugget/proxyd/internal/wire"
)

// Config configures the MQTT transport.
type Config struct {
	DeviceName string
	// HeartbeatInterval is the "alive" ping cadence (default 10s, per
	// Design Note (c)).
	HeartbeatInterval time.Duration
	// TelemetryInterval is defaulted to 2s; the transport publishes no
	// telemetry on it.
	TelemetryInterval time.Duration
	Codec             wire.Codec
	Logger            *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 2 * time.Second
	}
	if c.Codec == nil {
		c.Codec = wire.NewBinaryCodec()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Transport is a transport.Transport backed by one MQTT broker connection.
type Transport struct {
	cfg Config
}

// New creates an MQTT transport.
func New(cfg Config) *Transport {
	cfg.applyDefaults()
	return &Transport{cfg: cfg}
}

func (t *Transport) rxTopic() string { return t.cfg.DeviceName + "/methods/rx" }
func (t *Transport) txTopic() string { return t.cfg.DeviceName + "/methods/tx" }

// CreateConnection connects to entry.Address (a mqtt:// or mqtts:// broker
// URL) and returns a live Connection.
func (t *Transport) CreateConnection(ctx context.Context, entry transport.Entry, onEvent transport.EventFunc, sched *scheduler.Scheduler) (transport.Connection, error) {
	brokerURL, err := url.Parse(entry.Address)
	if err != nil {
		return nil, fmt.Errorf("mqtt: parse broker url: %w", err)
	}

	c := &conn{
		cfg:     t.cfg,
		onEvent: onEvent,
		sched:   sched,
		rx:      t.cfg.DeviceName + "/methods/rx",
		tx:      t.cfg.DeviceName + "/methods/tx",
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: entry.Username,
		ConnectPassword: []byte(entry.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.cm = cm
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: c.tx, QoS: 1}},
			}); err != nil {
				t.cfg.Logger.Error("mqtt: subscribe failed", "topic", c.tx, "error", err)
			}
			c.startHeartbeat()
		},
		OnConnectError: func(err error) {
			_ = onEvent(transport.Event{Kind: transport.EventReconnecting, Err: err})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: t.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != c.tx {
						return false, nil
					}
					msg, err := t.cfg.Codec.Decode(pr.Packet.Payload)
					if err != nil {
						t.cfg.Logger.Warn("mqtt: decode failed", "error", err)
						return true, nil
					}
					_ = onEvent(transport.Event{Kind: transport.EventReceived, Msg: msg})
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	c.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		t.cfg.Logger.Warn("mqtt: initial connection timed out, retrying in background", "error", err)
	}

	return c, nil
}

// Release is a no-op: per-connection state is released via Connection.Free.
func (t *Transport) Release() {}

type conn struct {
	cfg     Config
	onEvent transport.EventFunc
	sched   *scheduler.Scheduler
	cm      *autopaho.ConnectionManager
	rx, tx  string
	closed  bool
}

// heartbeatOwner lets conn participate in the scheduler's DoLater/DoNext
// debounce helpers (see internal/scheduler.Owned).
type heartbeatOwner struct{ s *scheduler.Scheduler }

func (h heartbeatOwner) Scheduler() *scheduler.Scheduler { return h.s }

func (c *conn) startHeartbeat() {
	if c.sched == nil {
		return
	}
	owner := heartbeatOwner{s: c.sched}
	scheduler.DoLater(owner, c.sendHeartbeat, c.cfg.HeartbeatInterval)
}

func (c *conn) sendHeartbeat(scheduler.Owned) {
	if c.closed || c.cm == nil {
		return
	}
	ping := wire.New(wire.TypePing)
	data, err := c.cfg.Codec.Encode(ping)
	if err == nil {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = c.cm.Publish(pubCtx, &paho.Publish{Topic: c.rx, Payload: data, QoS: 0})
		cancel()
	}
	c.startHeartbeat()
}

// Send publishes msg on the methods/rx topic. As with the raw WebSocket
// adapter, completion is reported synchronously from the publish call —
// MQTT QoS acking happens inside paho and is not surfaced as a separate
// completion path here.
func (c *conn) Send(msg *wire.Message, release func(*wire.Message, error)) error {
	if c.closed {
		release(msg, transport.ErrClosed)
		return transport.ErrClosed
	}
	if c.cm == nil {
		release(msg, transport.ErrAborted)
		return transport.ErrAborted
	}

	data, err := c.cfg.Codec.Encode(msg)
	if err != nil {
		release(msg, err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = c.cm.Publish(ctx, &paho.Publish{Topic: c.rx, Payload: data, QoS: 1})
	release(msg, err)
	return err
}

// Close disconnects exactly once.
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.cm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = c.cm.Disconnect(ctx)
	}
	_ = c.onEvent(transport.Event{Kind: transport.EventClosed})
	return err
}

// Free is a no-op: the heartbeat task self-cancels once closed is set.
func (c *conn) Free() {}
