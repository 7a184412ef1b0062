package browse

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nugget/proxyd/internal/prxerr"
)

// scanProbeTimeout bounds a single host/port reachability probe, grounded
// on internal/connwatch's ProbeTimeout idiom applied per-target instead of
// per-service.
const scanProbeTimeout = 2 * time.Second

// commonPorts is the fixed sweep list every portscan request probes; a port
// list in the request item is not parsed.
var commonPorts = []int{22, 80, 443, 502, 8080, 8443, 1883, 8883}

// handleIPScan implements the `ipscan` request: probe every host in a CIDR
// range concurrently over a bounded worker pool, emitting one response per
// address that answers (spec.md §4.6).
func (sess *Session) handleIPScan(req *Request) {
	if !sess.server.cfg.ScanEnabled {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.NotSupported})
		return
	}
	st, created := sess.streamFor(req.Handle, ReqIPScan)
	if !created {
		return
	}

	hosts, err := expandCIDR(req.Item)
	if err != nil {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.Arg})
		sess.removeStream(req.Handle)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	go sess.runScan(ctx, st, hosts, func(ctx context.Context, host string) bool {
		return probeAny(ctx, host, commonPorts)
	}, func(host string) *Response {
		return &Response{Handle: st.handle, ErrorCode: prxerr.Ok, Item: host}
	})
}

// handlePortScan implements the `portscan` request: probe a fixed sweep of
// ports against one target host, emitting one response per open port
// (spec.md §4.6).
func (sess *Session) handlePortScan(req *Request) {
	if !sess.server.cfg.ScanEnabled {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.NotSupported})
		return
	}
	st, created := sess.streamFor(req.Handle, ReqPortScan)
	if !created {
		return
	}

	host := req.Item
	if host == "" {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.Arg})
		sess.removeStream(req.Handle)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	targets := make([]string, len(commonPorts))
	for i, p := range commonPorts {
		targets[i] = fmt.Sprintf("%d", p)
	}

	go sess.runScan(ctx, st, targets, func(ctx context.Context, portStr string) bool {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, portStr))
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, func(portStr string) *Response {
		return &Response{Handle: st.handle, ErrorCode: prxerr.Ok, Item: net.JoinHostPort(host, portStr)}
	})
}

// runScan fans probe out over sess.server's configured worker count,
// emitting a response for every target whose probe succeeds, then a
// terminal empty|all-for-now once the sweep completes. ctx is cancelled by
// Stream.close to abort an in-progress sweep.
func (sess *Session) runScan(ctx context.Context, st *Stream, targets []string, probe func(context.Context, string) bool, toResponse func(string) *Response) {
	workers := sess.server.cfg.ScanWorkers
	if workers < 1 {
		workers = 1
	}

	work := make(chan string)
	go func() {
		defer close(work)
		for _, t := range targets {
			select {
			case work <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			for t := range work {
				if ctx.Err() != nil {
					continue
				}
				if probe(ctx, t) {
					st.emit(toResponse(t))
				}
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}
	if ctx.Err() == nil {
		st.emit(&Response{Handle: st.handle, Flags: FlagEmpty | FlagAllForNow})
	}
}

// probeAny reports whether host answers on any port in ports.
func probeAny(ctx context.Context, host string, ports []int) bool {
	d := net.Dialer{}
	for _, p := range ports {
		probeCtx, cancel := context.WithTimeout(ctx, scanProbeTimeout)
		conn, err := d.DialContext(probeCtx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", p)))
		cancel()
		if err == nil {
			_ = conn.Close()
			return true
		}
	}
	return false
}

// expandCIDR parses item as a CIDR range and returns every host address in
// it. Bounded to /16 or smaller to avoid an accidental internet-scale scan.
func expandCIDR(item string) ([]string, error) {
	if !strings.Contains(item, "/") {
		return []string{item}, nil
	}
	ip, ipnet, err := net.ParseCIDR(item)
	if err != nil {
		return nil, prxerr.New(prxerr.Arg, err.Error())
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones > 16 {
		return nil, prxerr.New(prxerr.Arg, "ipscan range too large")
	}

	var hosts []string
	for cur := ip.Mask(ipnet.Mask); ipnet.Contains(cur); incIP(cur) {
		hosts = append(hosts, cur.String())
	}
	return hosts, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
