package browse

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/nugget/proxyd/internal/prxerr"
)

// handleResolve implements the `resolve` request: find-or-create a stream,
// and on creation look up the named service instance against the shared
// sd-client (spec.md §4.6).
func (sess *Session) handleResolve(req *Request) {
	if !sess.server.cfg.SDEnabled {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.NotSupported})
		return
	}
	st, created := sess.streamFor(req.Handle, ReqResolve)
	if !created {
		return
	}

	client, err := sess.server.ensureSDClient()
	if err != nil {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.CodeOf(err)})
		sess.removeStream(req.Handle)
		return
	}
	sess.sdClientAtOpen = client

	service, domain, err := parseServicePath(req.Item)
	if err != nil {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.Arg})
		sess.removeStream(req.Handle)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go sess.drainEntries(st, entries)

	if err := client.lookup(ctx, req.Item, service, domain, entries); err != nil {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.CodeOf(err)})
	}
}

// handleService implements the `service` request: parse
// `service.type.domain` from the item and browse all instances of that
// service type (spec.md §4.6).
func (sess *Session) handleService(req *Request) {
	if !sess.server.cfg.SDEnabled {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.NotSupported})
		return
	}
	st, created := sess.streamFor(req.Handle, ReqService)
	if !created {
		return
	}

	service, domain, err := parseServicePath(req.Item)
	if err != nil {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.Arg})
		sess.removeStream(req.Handle)
		return
	}

	client, err := sess.server.ensureSDClient()
	if err != nil {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.CodeOf(err)})
		sess.removeStream(req.Handle)
		return
	}
	sess.sdClientAtOpen = client

	ctx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go sess.drainEntries(st, entries)

	if err := client.browse(ctx, service, domain, entries); err != nil {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.CodeOf(err)})
	}
}

// parseServicePath splits a `service.type.domain` path into the DNS-SD
// service identifier (`service.type`, e.g. "_http._tcp") and the trailing
// domain label (e.g. "local."). Simplified to a last-label split rather
// than full DNS-SD grammar validation.
func parseServicePath(item string) (service, domain string, err error) {
	idx := strings.LastIndex(item, ".")
	if item == "" || idx <= 0 {
		return "", "", prxerr.New(prxerr.Arg, "malformed service path: "+item)
	}
	return item[:idx], item[idx+1:] + ".", nil
}

// drainEntries converts zeroconf discovery results into browse-responses
// for the duration of the stream's lifetime.
func (sess *Session) drainEntries(st *Stream, entries chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		st.emit(&Response{
			Handle:    st.handle,
			ErrorCode: prxerr.Ok,
			Item:      entry.Instance,
			Props:     entryProps(entry),
		})
	}
}

func entryProps(entry *zeroconf.ServiceEntry) map[string]string {
	props := map[string]string{
		"host": entry.HostName,
		"port": strconv.Itoa(entry.Port),
	}
	if len(entry.AddrIPv4) > 0 {
		props["addr"] = entry.AddrIPv4[0].String()
	}
	return props
}

// handleDirpath implements the `dirpath` request: a one-shot directory
// listing, not a long-running stream (spec.md §4.6, §8 scenario S3).
func (sess *Session) handleDirpath(req *Request) {
	if !sess.server.cfg.FSBrowseEnabled {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.NotSupported})
		return
	}
	path, err := sess.resolveFSPath(req.Item)
	if err != nil {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.Arg})
		return
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		sess.send(&Response{Handle: req.Handle, ErrorCode: classifyFSErr(err)})
		return
	}
	for _, e := range entries {
		sess.send(&Response{Handle: req.Handle, ErrorCode: prxerr.Ok, Item: e.Name()})
	}
	sess.send(&Response{Handle: req.Handle, Flags: FlagEmpty | FlagAllForNow})
}

func classifyFSErr(err error) prxerr.Code {
	switch {
	case os.IsNotExist(err):
		return prxerr.NotFound
	case os.IsPermission(err):
		return prxerr.Permission
	default:
		return prxerr.DiskIO
	}
}
