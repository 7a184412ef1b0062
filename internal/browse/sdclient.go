package browse

import (
	"context"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/nugget/proxyd/internal/prxerr"
)

// sdRetryDelay is how long the server waits before retrying sd-client
// creation after a failure (spec.md §4.6: "on failure it is retried after
// 30 s").
const sdRetryDelay = 30 * time.Second

// sdResetBackoff is the delay before a freed sd-client is replaced
// following sdclient-reset (spec.md §4.6: "3 s backoff").
const sdResetBackoff = 3 * time.Second

// sdClient wraps the DNS-SD/mDNS resolver handle every stream's browser is
// bound to. Its pointer identity is what sessions capture and
// sdclient-reset compares against (spec.md §5 "shared resources" and §8
// property 8) — two distinct *sdClient values are never considered the
// same client even if the underlying zeroconf.Resolver were reused.
type sdClient struct {
	resolver *zeroconf.Resolver
}

func newSDClient() (*sdClient, error) {
	r, err := zeroconf.NewResolver(zeroconf.SelectIPTraffic(zeroconf.IPv4))
	if err != nil {
		return nil, prxerr.New(prxerr.Network, err.Error())
	}
	return &sdClient{resolver: r}, nil
}

// browse runs a DNS-SD browse for service/domain, delivering entries on ch
// until ctx is cancelled. service is "_type._tcp" form per spec.md §4.6's
// `service.type.domain` path parsing.
func (c *sdClient) browse(ctx context.Context, service, domain string, ch chan *zeroconf.ServiceEntry) error {
	if err := c.resolver.Browse(ctx, service, domain, ch); err != nil {
		return prxerr.New(prxerr.Network, err.Error())
	}
	return nil
}

// lookup resolves one named instance, for the plain "resolve" request kind
// where item is an already-qualified service instance name.
func (c *sdClient) lookup(ctx context.Context, instance, service, domain string, ch chan *zeroconf.ServiceEntry) error {
	if err := c.resolver.Lookup(ctx, instance, service, domain, ch); err != nil {
		return prxerr.New(prxerr.Network, err.Error())
	}
	return nil
}

// ensureSDClient returns the server's current sd-client, lazily creating it
// on the server scheduler if absent. Must run on s.sched.
func (s *Server) ensureSDClient() (*sdClient, error) {
	if s.sdClient != nil {
		return s.sdClient, nil
	}
	c, err := newSDClient()
	if err != nil {
		s.log.Error("sd-client creation failed, retrying later", "error", err)
		s.sched.Queue("browse-sdclient-retry", func(context.Context) {
			s.ensureSDClient() //nolint:errcheck // best-effort retry; errors logged above
		}, s, sdRetryDelay)
		return nil, err
	}
	s.sdClient = c
	return c, nil
}

// resetSDClient implements sdclient-reset (spec.md §4.6): detach the
// current client, force-close every session whose captured client pointer
// matches it, then schedule a fresh client after a backoff.
func (s *Server) resetSDClient(reset *sdClient) {
	s.mu.Lock()
	if s.sdClient != reset {
		s.mu.Unlock()
		return // already superseded by a newer client
	}
	s.sdClient = nil
	var toClose []*Session
	for _, sess := range s.sessions {
		if sess.sdClientAtOpen == reset {
			toClose = append(toClose, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range toClose {
		sess.forceClose()
	}

	s.sched.Queue("browse-sdclient-recreate", func(context.Context) {
		s.ensureSDClient() //nolint:errcheck // best-effort; logged on failure
	}, s, sdResetBackoff)
}
