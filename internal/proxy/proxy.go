// Package proxy assembles the reactor, the listening Acceptor, and the
// lazily-connected upstream singleton into the running process spec.md §2
// describes as "Proxy" — the thin wiring around C1–C6, not a component in
// its own right.
package proxy

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/zixinfeng/redis-cerberus/internal/obs"
	"github.com/zixinfeng/redis-cerberus/internal/reactor"
	"github.com/zixinfeng/redis-cerberus/internal/session"
	"github.com/zixinfeng/redis-cerberus/internal/socketutil"
)

// maxFatalDetail bounds how many bytes of an offending upstream message get
// logged alongside a BAD_MESSAGE fatal disposition (spec.md §7).
const maxFatalDetail = 64

// Proxy owns one Reactor, one Acceptor, and at most one Upstream at a time.
// It is not safe for concurrent use; Run must be called from the one
// goroutine that owns it.
type Proxy struct {
	reactor  *reactor.Reactor
	acceptor *Acceptor

	upstreamHost string
	upstreamPort int
	upstream     *session.Upstream

	logger  obs.Logger
	metrics obs.Metrics
}

// New builds a Proxy listening on listenPort and configured to lazily dial
// upstreamAddr (host:port) on the first client request, per spec.md §4.4.
func New(listenPort int, upstreamAddr string, logger obs.Logger, metrics obs.Metrics) (*Proxy, error) {
	host, portStr, err := net.SplitHostPort(upstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid upstream address %q: %w", upstreamAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid upstream port %q: %w", portStr, err)
	}

	r, err := reactor.New()
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		reactor:      r,
		upstreamHost: host,
		upstreamPort: port,
		logger:       logger,
		metrics:      metrics,
	}

	a, err := NewAcceptor(listenPort, r, logger, metrics, p.acceptClient)
	if err != nil {
		r.Close()
		return nil, err
	}
	p.acceptor = a
	return p, nil
}

// Run blocks inside the reactor's event loop until Stop is called.
func (p *Proxy) Run() error {
	return p.reactor.Run()
}

// Stop unblocks Run, for graceful shutdown on SIGINT/SIGTERM.
func (p *Proxy) Stop() {
	p.reactor.Stop()
}

// Close releases the listening socket and the epoll instance. Call after
// Run has returned.
func (p *Proxy) Close() error {
	if err := p.acceptor.Close(); err != nil {
		return err
	}
	return p.reactor.Close()
}

func (p *Proxy) acceptClient(fd int) (*session.Client, error) {
	return session.NewClient(fd, p.reactor, p.connectUpstream, p.logger, p.metrics)
}

// connectUpstream returns the live Upstream singleton, dialing a fresh one
// if none exists — whether because none was ever needed, or because the
// previous one died. This is the reconnect policy SPEC_FULL §4 spells out:
// no retry of a specific failed attempt, but a new client request always
// gets a fresh connect_to.
func (p *Proxy) connectUpstream() (*session.Upstream, error) {
	if p.upstream != nil {
		return p.upstream, nil
	}

	addr, err := p.resolveUpstream()
	if err != nil {
		return nil, err
	}
	fd, err := socketutil.ConnectTCP4(addr, p.upstreamPort)
	if err != nil {
		return nil, err
	}

	u, err := session.NewUpstream(fd, p.reactor, p.logger, p.metrics, p.fatal, p.forgetUpstream)
	if err != nil {
		return nil, err
	}
	p.upstream = u
	return u, nil
}

func (p *Proxy) forgetUpstream() {
	p.upstream = nil
}

func (p *Proxy) resolveUpstream() ([4]byte, error) {
	var zero [4]byte
	ips, err := net.LookupIP(p.upstreamHost)
	if err != nil {
		return zero, fmt.Errorf("proxy: resolving upstream host %q: %w", p.upstreamHost, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			var addr [4]byte
			copy(addr[:], v4)
			return addr, nil
		}
	}
	return zero, fmt.Errorf("proxy: upstream host %q has no IPv4 address", p.upstreamHost)
}

// fatal is the session.FatalFunc wired into every Upstream this Proxy
// creates: log, bump metrics.FatalErrors, exit. Spec.md §7's fail-stop
// rationale is explicit that this must never be a panic/recover, and must
// never return control to try to keep serving other clients.
func (p *Proxy) fatal(kind string, err error, detail []byte) {
	fields := []interface{}{"kind", kind, "err", err}
	if len(detail) > 0 {
		d := detail
		if len(d) > maxFatalDetail {
			d = d[:maxFatalDetail]
		}
		fields = append(fields, "detail", string(d))
	}
	p.logger.Errorw("fatal proxy error, exiting", fields...)
	p.metrics.FatalError()
	os.Exit(1)
}
