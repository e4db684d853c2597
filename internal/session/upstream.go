package session

import (
	"fmt"
	"syscall"

	"github.com/zixinfeng/redis-cerberus/internal/buffer"
	"github.com/zixinfeng/redis-cerberus/internal/obs"
	"github.com/zixinfeng/redis-cerberus/internal/reactor"
	"github.com/zixinfeng/redis-cerberus/internal/resp"
)

// FatalFunc reports a fatal disposition (spec.md §7: BAD_MESSAGE or
// IO_ERROR on the upstream connection) before the Upstream tears itself
// down. The caller (internal/proxy) is expected to log, bump
// metrics.FatalErrors, and os.Exit(1); FatalFunc returning at all is only
// exercised by tests.
type FatalFunc func(kind string, err error, detail []byte)

// Upstream is the single shared connection to the real Redis server (C4).
// staging holds Clients whose requests have been framed but not yet
// written; pending holds Clients — one entry per request message, nil for a
// client that died before its reply arrived — in the exact order their
// replies are expected back. Both are flat, repeat-allowing slices: a
// single Client can appear more than once if it pipelined several requests
// across one or more readable edges.
type Upstream struct {
	fd int

	buf *buffer.Buffer // bytes read from upstream, not yet fully framed

	pending []*Client
	staging []*Client

	// sendOrder/sending describe the batch currently being written: the
	// distinct clients contributing to it, and how many bytes of each
	// client's request buffer belong to this batch (frozen from
	// Client.claimed at the moment staging moved into pending, so that
	// bytes a client appends afterward are never sent early).
	sendOrder []*Client
	sending   map[*Client]int

	connected bool
	destroyed bool

	reactor *reactor.Reactor
	logger  obs.Logger
	metrics obs.Metrics
	fatal   FatalFunc
	onDead  func()
}

// NewUpstream wraps an already-connect()-ing (possibly still EINPROGRESS),
// nonblocking fd. onDead is called once this Upstream tears down, so its
// owner (internal/proxy) can drop the singleton pointer and reconnect
// lazily on the next client request (spec.md §4.4).
func NewUpstream(fd int, r *reactor.Reactor, logger obs.Logger, metrics obs.Metrics, fatal FatalFunc, onDead func()) (*Upstream, error) {
	u := &Upstream{
		fd:      fd,
		buf:     buffer.New(),
		reactor: r,
		logger:  logger,
		metrics: metrics,
		fatal:   fatal,
		onDead:  onDead,
	}
	if err := r.Register(fd, reactor.AwaitingBoth, u); err != nil {
		return nil, err
	}
	return u, nil
}

// stageRequest enqueues one complete request message belonging to c,
// recording its positional correlation slot. It does not itself attempt a
// send: a client that pipelined several requests in one readable edge
// stages all of them before the caller calls maybeSend once, so they travel
// upstream in a single batch rather than being serialized one-at-a-time
// behind each other's replies.
func (u *Upstream) stageRequest(c *Client) {
	if u.destroyed {
		return
	}
	u.staging = append(u.staging, c)
}

// maybeSend freezes the current staging list into pending and attempts to
// write it, but only if no earlier batch is still outstanding (spec.md §9:
// "_send skips if staging is empty or pending is non-empty") and the
// connection has finished its handshake.
func (u *Upstream) maybeSend() {
	if u.destroyed || len(u.staging) == 0 || len(u.pending) > 0 || !u.connected {
		return
	}

	u.pending = u.staging
	u.staging = nil

	u.sendOrder = u.sendOrder[:0]
	u.sending = make(map[*Client]int, len(u.pending))
	for _, c := range u.pending {
		if c == nil {
			continue
		}
		if _, ok := u.sending[c]; !ok {
			u.sendOrder = append(u.sendOrder, c)
			u.sending[c] = 0
		}
	}
	for _, c := range u.sendOrder {
		u.sending[c] = c.claimed
		c.claimed = 0
	}

	u.flushSend()
}

// flushSend performs (or resumes) the scatter-gather write for the batch
// currently frozen in sendOrder/sending. A short writev just leaves each
// buffer's own write cursor where unix.Writev left it; the caller resumes
// on the next writable edge rather than busy-looping on EAGAIN (spec.md §9
// items 1 and 2, now required behavior per SPEC_FULL §4).
func (u *Upstream) flushSend() {
	segs := make([]buffer.Segment, 0, len(u.sendOrder))
	for _, c := range u.sendOrder {
		if limit := u.sending[c]; c.buf.WriteCursor() < limit {
			segs = append(segs, buffer.Segment{Buf: c.buf, Limit: limit})
		}
	}
	if len(segs) == 0 {
		u.finishSend()
		return
	}

	if _, err := buffer.ScatterWriteTo(u.fd, segs); err != nil {
		u.fail("IO_ERROR", err, nil)
		return
	}

	for _, c := range u.sendOrder {
		if c.buf.WriteCursor() < u.sending[c] {
			if err := u.reactor.Modify(u.fd, reactor.AwaitingBoth); err != nil {
				u.logger.Warnw("failed to rearm upstream write interest", "fd", u.fd, "err", err)
			}
			return
		}
	}
	u.finishSend()
}

// finishSend is called once every buffer in the current batch has been
// fully written. It drops the now-sent prefix from each contributing
// client's request buffer and switches interest back to readable-only —
// staging accumulated meanwhile is left for the next maybeSend call, which
// fires once pending drains in HandleReadable.
func (u *Upstream) finishSend() {
	total := 0
	for _, c := range u.sendOrder {
		n := u.sending[c]
		total += n
		c.buf.TruncatePrefix(n)
	}
	u.sendOrder = u.sendOrder[:0]
	u.sending = nil
	u.metrics.RequestBatchSent(total)

	if err := u.reactor.Modify(u.fd, reactor.AwaitingRead); err != nil {
		u.logger.Warnw("failed to drop upstream write interest", "fd", u.fd, "err", err)
	}
}

// HandleReadable frames whatever complete replies have arrived and hands
// each one to the client occupying the corresponding pending slot,
// discarding replies destined for a tombstoned (already-dead) client.
func (u *Upstream) HandleReadable() {
	if u.destroyed {
		return
	}

	n, err := u.buf.ReadFrom(u.fd)
	if err != nil {
		u.fail("IO_ERROR", err, nil)
		return
	}
	if n == 0 {
		u.destroy()
		return
	}

	res, err := resp.Scan(u.buf.Bytes())
	if err != nil {
		u.fail("BAD_MESSAGE", err, u.buf.Bytes())
		return
	}

	m := len(res.Messages)
	if m > len(u.pending) {
		u.fail("BAD_MESSAGE", fmt.Errorf("upstream framed %d replies against %d pending requests", m, len(u.pending)), nil)
		return
	}

	for i := 0; i < m; i++ {
		msg := res.Messages[i]
		if client := u.pending[i]; client != nil {
			client.deliverReply(u.buf.Bytes()[msg.Begin:msg.End])
		}
		u.metrics.ReplyFramed(msg.Len())
	}
	u.pending = u.pending[m:]

	if res.Finished {
		u.buf.Clear()
	} else {
		u.buf.TruncatePrefix(res.ResumeOffset)
	}

	if len(u.pending) == 0 && len(u.staging) > 0 {
		u.maybeSend()
	}
}

// HandleWritable either completes the nonblocking connect handshake or
// resumes an in-flight send.
func (u *Upstream) HandleWritable() {
	if u.destroyed {
		return
	}
	if !u.connected {
		if !u.completeConnect() {
			return
		}
	}
	if len(u.sendOrder) > 0 {
		u.flushSend()
		return
	}
	u.maybeSend()
}

// completeConnect checks SO_ERROR on the first writable edge after a
// nonblocking connect, per spec.md §4.4. It returns false (having already
// torn the Upstream down) if the connect failed.
func (u *Upstream) completeConnect() bool {
	errno, err := syscall.GetsockoptInt(u.fd, syscall.SOL_SOCKET, syscall.SO_ERROR)
	if err != nil {
		u.fail("IO_ERROR", err, nil)
		return false
	}
	if errno != 0 {
		u.logger.Warnw("upstream connect failed", "fd", u.fd, "errno", errno)
		u.destroy()
		return false
	}
	u.connected = true
	u.metrics.UpstreamReconnected()
	return true
}

// HandleHangup tears the upstream connection down on EPOLLRDHUP/EPOLLHUP.
func (u *Upstream) HandleHangup() {
	u.destroy()
}

// popClient removes c from staging entirely and replaces every occurrence
// of c in pending with a tombstone (nil), matching proxy.cpp's
// std::replace over ready_clients. Unlike proxy.cpp's pop_client_from,
// which erases only the first staging match, every match is removed here —
// a client can have pipelined more than one not-yet-sent request, and
// leaving duplicates around would eventually tombstone a slot that no
// in-flight reply will ever arrive for anyway.
func (u *Upstream) popClient(c *Client) {
	if u.destroyed {
		return
	}
	filtered := make([]*Client, 0, len(u.staging))
	for _, s := range u.staging {
		if s != c {
			filtered = append(filtered, s)
		}
	}
	u.staging = filtered

	for i, p := range u.pending {
		if p == c {
			u.pending[i] = nil
		}
	}
}

// fail reports a fatal disposition and then tears the connection down
// defensively (FatalFunc is expected to os.Exit(1) and never return).
func (u *Upstream) fail(kind string, err error, detail []byte) {
	if u.fatal != nil {
		u.fatal(kind, err, detail)
	}
	u.destroy()
}

// alive reports whether this Upstream can still be staged/sent to. A Client
// must check this on every use of a cached *Upstream, not just at connect
// time: the Upstream can die (BAD_MESSAGE, IO_ERROR, upstream hangup)
// without that particular client ever having a request outstanding, so
// destroy() has no way to reach every client that ever bound to it — only
// the ones it finds in pending.
func (u *Upstream) alive() bool {
	return !u.destroyed
}

func (u *Upstream) destroy() {
	if u.destroyed {
		return
	}
	u.destroyed = true

	for _, c := range u.pending {
		if c != nil {
			c.onUpstreamLost()
		}
	}
	u.pending = nil
	u.staging = nil

	if err := u.reactor.Deregister(u.fd); err != nil {
		u.logger.Warnw("failed to deregister upstream fd", "fd", u.fd, "err", err)
	}
	syscall.Close(u.fd)

	if u.onDead != nil {
		u.onDead()
	}
}
