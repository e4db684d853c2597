// Package session implements the two session types the proxy's data plane
// is built from: Client (one per accepted connection) and Upstream (the
// single shared connection to the real Redis server). Both are
// reactor.Handler implementations; neither is safe for concurrent use,
// matching spec.md §5's single-threaded cooperative model — there is
// exactly one goroutine, the one running the Reactor's Run loop, that ever
// touches either type.
package session

import (
	"syscall"

	"github.com/zixinfeng/redis-cerberus/internal/buffer"
	"github.com/zixinfeng/redis-cerberus/internal/obs"
	"github.com/zixinfeng/redis-cerberus/internal/reactor"
	"github.com/zixinfeng/redis-cerberus/internal/resp"
)

// Client is one accepted client connection (C3). It owns a request buffer
// fed by its own socket and a reply buffer fed by Upstream through
// Client.deliverReply; the
// two are independent because a client may pipeline several requests ahead
// of receiving any of their replies.
type Client struct {
	fd int

	buf     *buffer.Buffer // bytes read from the client, not yet fully staged
	claimed int            // bytes at buf's front belonging to staged requests
	reply   *buffer.Buffer // bytes framed from upstream, awaiting flush to fd

	upstream        *Upstream
	connectUpstream func() (*Upstream, error)

	reactor *reactor.Reactor
	logger  obs.Logger
	metrics obs.Metrics

	destroyed bool
}

// NewClient wraps a freshly-accepted, nonblocking fd in a Client and
// registers it with the reactor for readability. connectUpstream is called
// on the first non-zero read this client ever produces, regardless of
// whether a complete RESP frame has been parsed out of it yet, mirroring
// proxy.cpp's Client::_recv_from; and again any time the client's
// previously-bound Upstream has since died, per spec.md §4.4's lazy-connect
// rule.
func NewClient(fd int, r *reactor.Reactor, connectUpstream func() (*Upstream, error), logger obs.Logger, metrics obs.Metrics) (*Client, error) {
	c := &Client{
		fd:              fd,
		buf:             buffer.New(),
		reply:           buffer.New(),
		connectUpstream: connectUpstream,
		reactor:         r,
		logger:          logger,
		metrics:         metrics,
	}
	if err := r.Register(fd, reactor.AwaitingRead, c); err != nil {
		return nil, err
	}
	metrics.ClientConnected()
	return c, nil
}

// HandleReadable drains the client socket, frames whatever complete RESP
// requests are now available in the request buffer, and stages each one
// with Upstream. Partial trailing bytes are left in buf for a later edge —
// this is the fix for spec.md §9's partial-request-frame desync: a client
// is staged once per complete request, never once per readable edge.
func (c *Client) HandleReadable() {
	if c.destroyed {
		return
	}

	n, err := c.buf.ReadFrom(c.fd)
	if err != nil {
		c.logger.Warnw("client read failed", "fd", c.fd, "err", err)
		c.destroy()
		return
	}
	if n == 0 {
		c.destroy()
		return
	}

	// A cached upstream can die without this client ever having a request
	// outstanding (it may have been idle, or sitting only in staging), so
	// a dead one is treated the same as no upstream at all rather than
	// trusting the non-nil pointer.
	if c.upstream == nil || !c.upstream.alive() {
		up, err := c.connectUpstream()
		if err != nil {
			c.logger.Warnw("upstream connect failed, dropping client", "fd", c.fd, "err", err)
			c.destroy()
			return
		}
		c.upstream = up
	}

	res, err := resp.Scan(c.buf.Bytes()[c.claimed:])
	if err != nil {
		c.logger.Warnw("client sent malformed RESP request, dropping connection", "fd", c.fd, "err", err)
		c.destroy()
		return
	}
	for _, m := range res.Messages {
		c.claimed += m.Len()
		c.upstream.stageRequest(c)
	}
	if len(res.Messages) > 0 {
		c.upstream.maybeSend()
	}
}

// HandleWritable flushes whatever framed replies are waiting in c.reply.
func (c *Client) HandleWritable() {
	if c.destroyed {
		return
	}

	done, err := c.reply.WriteTo(c.fd)
	if err != nil {
		c.logger.Warnw("client write failed", "fd", c.fd, "err", err)
		c.destroy()
		return
	}
	if done {
		c.reply.Clear()
		if err := c.reactor.Modify(c.fd, reactor.AwaitingRead); err != nil {
			c.logger.Warnw("failed to drop client write interest", "fd", c.fd, "err", err)
		}
	}
}

// HandleHangup tears the client down on EPOLLRDHUP/EPOLLHUP, matching
// spec.md §9's zero-byte-read-equivalent-to-hangup resolution.
func (c *Client) HandleHangup() {
	c.destroy()
}

// deliverReply appends a framed reply and arms write interest for it. Called
// by Upstream once a reply belonging to this client has been parsed out of
// the upstream reply buffer.
func (c *Client) deliverReply(msg []byte) {
	if c.destroyed {
		return
	}
	c.reply.Append(msg)
	if err := c.reactor.Modify(c.fd, reactor.AwaitingBoth); err != nil {
		c.logger.Warnw("failed to arm client write interest", "fd", c.fd, "err", err)
	}
}

// onUpstreamLost tears the client down when the shared Upstream dies while
// this client had a request outstanding. Per spec.md §1's non-goals,
// upstream loss is fatal to the client session, never retried.
func (c *Client) onUpstreamLost() {
	if c.destroyed {
		return
	}
	c.logger.Warnw("upstream connection lost with a request still in flight, dropping client", "fd", c.fd)
	c.destroyed = true
	if err := c.reactor.Deregister(c.fd); err != nil {
		c.logger.Warnw("failed to deregister client fd", "fd", c.fd, "err", err)
	}
	syscall.Close(c.fd)
	c.metrics.ClientDisconnected()
}

func (c *Client) destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.upstream != nil {
		c.upstream.popClient(c)
	}
	if err := c.reactor.Deregister(c.fd); err != nil {
		c.logger.Warnw("failed to deregister client fd", "fd", c.fd, "err", err)
	}
	syscall.Close(c.fd)
	c.metrics.ClientDisconnected()
}
