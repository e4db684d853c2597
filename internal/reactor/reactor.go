// Package reactor wraps the kernel readiness-notification primitive (epoll
// on Linux) over a set of file descriptors and dispatches readiness events
// to the handler each fd was registered with. It is the only blocking call
// in the whole proxy (spec.md §5): every socket is nonblocking, and an
// operation that would block simply returns control here by leaving the
// fd's interest mask such that the reactor re-notifies it later.
package reactor

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// maxEvents bounds how many ready fds epoll_wait reports per Run iteration,
// matching server/engine/epoll.go's maxEvents.
const maxEvents = 1024

// Interest is the typed per-fd state spec.md §9's design notes call for,
// replacing ad-hoc epoll_ctl calls scattered through handler code with one
// enum and one transition function (toEpollBits).
type Interest int

const (
	// Idle means "interested in nothing but hangup" — used transiently;
	// every fd actually registered with the reactor carries at least
	// AwaitingRead or AwaitingWrite.
	Idle Interest = iota
	AwaitingRead
	AwaitingWrite
	AwaitingBoth
)

// toEpollBits computes the kernel epoll_event.Events mask for an interest
// state. Edge-triggered (EPOLLET) and peer-hangup (EPOLLRDHUP) are always
// requested: edge-triggered semantics are mandatory for the drain loops in
// internal/session to be correct (spec.md §4.6), and every registered fd in
// this proxy is a TCP socket that can RDHUP.
func (i Interest) toEpollBits() uint32 {
	epollet := int32(syscall.EPOLLET)
	bits := uint32(epollet) | unix.EPOLLRDHUP
	switch i {
	case AwaitingRead:
		bits |= syscall.EPOLLIN
	case AwaitingWrite:
		bits |= syscall.EPOLLOUT
	case AwaitingBoth:
		bits |= syscall.EPOLLIN | syscall.EPOLLOUT
	}
	return bits
}

// Handler is invoked by the reactor when its registered fd becomes ready.
// Handlers must drain until the socket reports would-block (edge-triggered
// semantics) and are responsible for calling Reactor.Modify/Deregister to
// rearm or retire their own interest.
type Handler interface {
	// HandleReadable is called on EPOLLIN.
	HandleReadable()
	// HandleWritable is called on EPOLLOUT.
	HandleWritable()
	// HandleHangup is called on EPOLLRDHUP, EPOLLHUP or EPOLLERR. The handler should
	// tear down its session; the reactor has already forgotten the fd by
	// the time this returns (see Run).
	HandleHangup()
}

// registration pairs a handler with the interest it last asked for, purely
// for bookkeeping — the kernel is the source of truth for what's armed.
type registration struct {
	handler  Handler
	interest Interest
}

// Reactor owns one epoll instance and the fd -> handler mapping spec.md §3
// describes. It is not safe for concurrent use: one goroutine, normally the
// one that calls Run, is meant to own it for its entire lifetime, matching
// spec.md §5's single-threaded cooperative model.
type Reactor struct {
	epfd   int
	regs   map[int32]*registration
	wakeFd int
	done   chan struct{}
}

// New creates a Reactor backed by a fresh epoll instance.
func New() (*Reactor, error) {
	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		syscall.Close(epfd)
		return nil, err
	}

	r := &Reactor{
		epfd:   epfd,
		regs:   make(map[int32]*registration),
		wakeFd: wakeFd,
		done:   make(chan struct{}),
	}
	if err := syscall.EpollCtl(epfd, syscall.EPOLL_CTL_ADD, wakeFd, &syscall.EpollEvent{
		Events: syscall.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		syscall.Close(epfd)
		syscall.Close(wakeFd)
		return nil, err
	}
	return r, nil
}

// Register adds fd to the epoll set with the given interest and handler.
func (r *Reactor) Register(fd int, interest Interest, h Handler) error {
	ev := syscall.EpollEvent{Events: interest.toEpollBits(), Fd: int32(fd)}
	if err := syscall.EpollCtl(r.epfd, syscall.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	r.regs[int32(fd)] = &registration{handler: h, interest: interest}
	return nil
}

// Modify changes fd's interest mask in place.
func (r *Reactor) Modify(fd int, interest Interest) error {
	reg, ok := r.regs[int32(fd)]
	if !ok {
		return errors.New("reactor: modify of unregistered fd")
	}
	ev := syscall.EpollEvent{Events: interest.toEpollBits(), Fd: int32(fd)}
	if err := syscall.EpollCtl(r.epfd, syscall.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	reg.interest = interest
	return nil
}

// Deregister removes fd from the epoll set. It does not close fd — the
// owning session does that as part of its own teardown.
func (r *Reactor) Deregister(fd int) error {
	delete(r.regs, int32(fd))
	err := syscall.EpollCtl(r.epfd, syscall.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != syscall.ENOENT {
		return err
	}
	return nil
}

// Run blocks, dispatching readiness events to their handlers, until Stop is
// called. EINTR from epoll_wait is ignored and the wait retried, matching
// spec.md §4.6.
func (r *Reactor) Run() error {
	events := make([]syscall.EpollEvent, maxEvents)
	for {
		select {
		case <-r.done:
			return nil
		default:
		}

		n, err := syscall.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == r.wakeFd {
				var buf [8]byte
				syscall.Read(r.wakeFd, buf[:])
				continue
			}

			reg, ok := r.regs[ev.Fd]
			if !ok {
				continue
			}

			if ev.Events&(unix.EPOLLRDHUP|syscall.EPOLLHUP|syscall.EPOLLERR) != 0 {
				delete(r.regs, ev.Fd)
				reg.handler.HandleHangup()
				continue
			}
			if ev.Events&syscall.EPOLLIN != 0 {
				reg.handler.HandleReadable()
			}
			if ev.Events&syscall.EPOLLOUT != 0 {
				reg.handler.HandleWritable()
			}
		}

		select {
		case <-r.done:
			return nil
		default:
		}
	}
}

// Stop unblocks a running Run call and makes it return. Safe to call from
// any goroutine.
func (r *Reactor) Stop() {
	select {
	case <-r.done:
		return
	default:
	}
	close(r.done)
	var one [8]byte
	one[0] = 1
	syscall.Write(r.wakeFd, one[:])
}

// Close releases the reactor's own file descriptors. Call after Run
// returns.
func (r *Reactor) Close() error {
	syscall.Close(r.wakeFd)
	return syscall.Close(r.epfd)
}
