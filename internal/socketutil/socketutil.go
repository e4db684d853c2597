// Package socketutil holds the low-level socket-option helpers spec.md §1
// calls out as plumbing around the core: setting nonblocking mode,
// TCP_NODELAY, and the listening socket's SO_REUSEADDR/SO_REUSEPORT pair.
package socketutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// SetNonblocking puts fd into nonblocking mode, required for every socket
// the reactor registers (spec.md §6: "accepted sockets and the upstream
// socket use TCP_NODELAY"; nonblocking is implied by the whole reactor
// model in spec.md §5).
func SetNonblocking(fd int) error {
	return syscall.SetNonblock(fd, true)
}

// SetTCPNoDelay disables Nagle's algorithm, matching spec.md §6.
func SetTCPNoDelay(fd int) error {
	return syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
}

// SetReuseAddrPort sets SO_REUSEADDR and SO_REUSEPORT on the listening
// socket, matching spec.md §6.
func SetReuseAddrPort(fd int) error {
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// ListenTCP4 creates, binds, and starts listening on a nonblocking IPv4 TCP
// socket on 0.0.0.0:port with SO_REUSEADDR/SO_REUSEPORT set, mirroring
// server/engine/epoll.go's listenSocket and proxy.cpp's Proxy::run setup.
func ListenTCP4(port int) (int, error) {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}

	if err := SetReuseAddrPort(fd); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	if err := SetNonblocking(fd); err != nil {
		syscall.Close(fd)
		return -1, err
	}

	addr := syscall.SockaddrInet4{Port: port}
	if err := syscall.Bind(fd, &addr); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		syscall.Close(fd)
		return -1, err
	}

	return fd, nil
}

// backlog matches the teacher's listen backlog (server/engine/epoll.go).
const backlog = 16

// ConnectTCP4 creates a nonblocking, TCP_NODELAY socket and begins an
// asynchronous connect to host:port. EINPROGRESS is the expected, non-error
// outcome for a nonblocking connect (spec.md §4.4).
func ConnectTCP4(addr [4]byte, port int) (int, error) {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := SetNonblocking(fd); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	if err := SetTCPNoDelay(fd); err != nil {
		syscall.Close(fd)
		return -1, err
	}

	sa := &syscall.SockaddrInet4{Port: port, Addr: addr}
	err = syscall.Connect(fd, sa)
	if err != nil && err != syscall.EINPROGRESS {
		syscall.Close(fd)
		return -1, err
	}
	return fd, nil
}
