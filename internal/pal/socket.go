// Package pal is proxyd's platform abstraction layer: the thin socket
// interface every link in internal/link drives (spec.md §3 "PAL socket
// handle", §4.5). The shipped implementation wraps the standard net
// package; OS error classification uses github.com/bassosimone/errclass
// (the same error-classification dependency the rest of the pack reaches
// for) instead of a hand-rolled per-platform errno table.
package pal

import (
	"context"
	"net"
	"time"

	"github.com/bassosimone/errclass"

	"github.com/nugget/proxyd/internal/prxerr"
)

// Option identifies a settable/gettable socket option (spec.md §6
// link-setopt/link-getopt bodies). Only the options proxyd's link FSM
// actually needs are modeled; an unknown Option yields prxerr.NotSupported.
type Option int32

const (
	OptKeepAlive Option = iota
	OptReuseAddr
	OptReceiveBufSize
	OptSendBufSize
	OptNonBlocking // always true for pal sockets; getopt-only
)

// Socket is the PAL operation set a link drives: connect, bind, listen,
// accept, read, write, option access, and close. Connect and Accept return
// when their context is cancelled; Read and Write honour only the
// context's deadline, not its cancellation.
type Socket interface {
	Connect(ctx context.Context, address string) error
	Bind(address string) error
	Listen(backlog int) error
	Accept(ctx context.Context) (Socket, string, error)
	Read(ctx context.Context, buf []byte) (int, error)
	Write(ctx context.Context, buf []byte) (int, error)
	SetOpt(opt Option, value int64) error
	GetOpt(opt Option) (int64, error)
	LocalAddress() string
	RemoteAddress() string
	Close() error
}

// netSocket is the default Socket backed by the standard net package.
// Family/protocol negotiation (spec.md's link-open{family,type,protocol})
// is collapsed onto Go's network string ("tcp", "tcp4", "tcp6", "udp");
// proxyd only proxies TCP/UDP streams, never raw sockets.
type netSocket struct {
	network string // "tcp" or "udp", derived from link-open's type/protocol
	conn    net.Conn
	ln      net.Listener
	bindAddr string

	reuseAddr  bool
	keepAlive  bool
	rcvBufSize int
	sndBufSize int
}

// New creates an unconnected Socket for network ("tcp" or "udp").
func New(network string) Socket {
	return &netSocket{network: network, keepAlive: true}
}

func (s *netSocket) Connect(ctx context.Context, address string) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, s.network, address)
	if err != nil {
		return classify(err)
	}
	if tc, ok := conn.(*net.TCPConn); ok && s.keepAlive {
		_ = tc.SetKeepAlive(true)
	}
	s.conn = conn
	return nil
}

func (s *netSocket) Bind(address string) error {
	s.bindAddr = address
	return nil
}

func (s *netSocket) Listen(backlog int) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), s.network, s.bindAddr)
	if err != nil {
		return classify(err)
	}
	s.ln = ln
	return nil
}

func (s *netSocket) Accept(ctx context.Context) (Socket, string, error) {
	if s.ln == nil {
		return nil, "", prxerr.New(prxerr.BadState, "accept on non-listening socket")
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := s.ln.Accept()
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, "", prxerr.New(prxerr.Aborted, "accept cancelled")
	case r := <-done:
		if r.err != nil {
			return nil, "", classify(r.err)
		}
		peer := &netSocket{network: s.network, conn: r.conn}
		return peer, r.conn.RemoteAddr().String(), nil
	}
}

func (s *netSocket) Read(ctx context.Context, buf []byte) (int, error) {
	if s.conn == nil {
		return 0, prxerr.New(prxerr.BadState, "read on unconnected socket")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(dl)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	n, err := s.conn.Read(buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

func (s *netSocket) Write(ctx context.Context, buf []byte) (int, error) {
	if s.conn == nil {
		return 0, prxerr.New(prxerr.BadState, "write on unconnected socket")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	n, err := s.conn.Write(buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

func (s *netSocket) SetOpt(opt Option, value int64) error {
	switch opt {
	case OptKeepAlive:
		s.keepAlive = value != 0
		if tc, ok := s.conn.(*net.TCPConn); ok {
			return classify(tc.SetKeepAlive(s.keepAlive))
		}
	case OptReuseAddr:
		s.reuseAddr = value != 0
	case OptReceiveBufSize:
		s.rcvBufSize = int(value)
	case OptSendBufSize:
		s.sndBufSize = int(value)
	default:
		return prxerr.New(prxerr.NotSupported, "setopt: unsupported option")
	}
	return nil
}

func (s *netSocket) GetOpt(opt Option) (int64, error) {
	switch opt {
	case OptKeepAlive:
		if s.keepAlive {
			return 1, nil
		}
		return 0, nil
	case OptReuseAddr:
		if s.reuseAddr {
			return 1, nil
		}
		return 0, nil
	case OptReceiveBufSize:
		return int64(s.rcvBufSize), nil
	case OptSendBufSize:
		return int64(s.sndBufSize), nil
	case OptNonBlocking:
		return 1, nil
	default:
		return 0, prxerr.New(prxerr.NotSupported, "getopt: unsupported option")
	}
}

func (s *netSocket) LocalAddress() string {
	if s.conn != nil {
		return s.conn.LocalAddr().String()
	}
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return ""
}

func (s *netSocket) RemoteAddress() string {
	if s.conn != nil {
		return s.conn.RemoteAddr().String()
	}
	return ""
}

func (s *netSocket) Close() error {
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	if s.ln != nil {
		if lerr := s.ln.Close(); err == nil {
			err = lerr
		}
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify maps a net/syscall error to the prxerr taxonomy (spec.md §7),
// using errclass's error-category strings rather than a hand-rolled
// per-platform errno table.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch errclass.New(err) {
	case errclass.ETIMEDOUT:
		return prxerr.New(prxerr.Timeout, err.Error())
	case errclass.ECONNREFUSED:
		return prxerr.New(prxerr.Refused, err.Error())
	case errclass.ECONNRESET, errclass.ECONNABORTED:
		return prxerr.New(prxerr.Reset, err.Error())
	case errclass.EHOSTUNREACH, errclass.ENETUNREACH, errclass.ENETDOWN:
		return prxerr.New(prxerr.Network, err.Error())
	case errclass.EADDRINUSE, errclass.EADDRNOTAVAIL:
		return prxerr.New(prxerr.NoAddress, err.Error())
	case errclass.EINVAL:
		return prxerr.New(prxerr.Arg, err.Error())
	default:
		return prxerr.New(prxerr.Comm, err.Error())
	}
}
