package proxy

import (
	"os"
	"syscall"

	"github.com/zixinfeng/redis-cerberus/internal/obs"
	"github.com/zixinfeng/redis-cerberus/internal/reactor"
	"github.com/zixinfeng/redis-cerberus/internal/session"
	"github.com/zixinfeng/redis-cerberus/internal/socketutil"
)

// Acceptor owns the listening socket (C5) and turns each readiness edge
// into a burst of accept(2) calls, exactly as proxy.cpp's
// Proxy::accept_from does, stopping once accept returns EAGAIN and treating
// ECONNABORTED/EPROTO/EINTR as benign rather than fatal (a client that
// disconnects mid-handshake must not bring the process down).
type Acceptor struct {
	fd      int
	reactor *reactor.Reactor
	logger  obs.Logger
	metrics obs.Metrics

	onAccept func(fd int) (*session.Client, error)
}

// NewAcceptor starts listening on port and registers the listening socket
// with the reactor. onAccept is invoked once per accepted connection and is
// expected to wrap fd in a session.Client.
func NewAcceptor(port int, r *reactor.Reactor, logger obs.Logger, metrics obs.Metrics, onAccept func(fd int) (*session.Client, error)) (*Acceptor, error) {
	fd, err := socketutil.ListenTCP4(port)
	if err != nil {
		return nil, err
	}

	a := &Acceptor{
		fd:       fd,
		reactor:  r,
		logger:   logger,
		metrics:  metrics,
		onAccept: onAccept,
	}
	if err := r.Register(fd, reactor.AwaitingRead, a); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return a, nil
}

// HandleReadable accepts until the listening socket reports would-block,
// matching edge-triggered semantics (spec.md §4.5).
func (a *Acceptor) HandleReadable() {
	for {
		connfd, _, err := syscall.Accept(a.fd)
		if err != nil {
			switch err {
			case syscall.EAGAIN:
				return
			case syscall.ECONNABORTED, syscall.EPROTO, syscall.EINTR:
				a.logger.Debugw("benign accept error", "err", err)
				continue
			default:
				a.logger.Errorw("accept failed", "err", err)
				return
			}
		}

		if err := socketutil.SetNonblocking(connfd); err != nil {
			a.logger.Warnw("failed to set client nonblocking, dropping", "fd", connfd, "err", err)
			syscall.Close(connfd)
			continue
		}
		if err := socketutil.SetTCPNoDelay(connfd); err != nil {
			a.logger.Warnw("failed to set TCP_NODELAY on client, dropping", "fd", connfd, "err", err)
			syscall.Close(connfd)
			continue
		}

		if _, err := a.onAccept(connfd); err != nil {
			a.logger.Warnw("failed to register accepted client", "fd", connfd, "err", err)
			syscall.Close(connfd)
			continue
		}
	}
}

// HandleWritable is never armed for a listening socket.
func (a *Acceptor) HandleWritable() {}

// HandleHangup should never fire on a listening socket; treated as fatal
// since it would mean the process can no longer accept new clients.
func (a *Acceptor) HandleHangup() {
	a.logger.Errorw("listening socket hung up", "fd", a.fd)
	a.metrics.FatalError()
	os.Exit(1)
}

// Close stops listening.
func (a *Acceptor) Close() error {
	return syscall.Close(a.fd)
}
