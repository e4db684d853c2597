// Package buffer implements the growable byte container every session in
// the proxy uses to hold bytes received from, or waiting to be sent to, a
// socket. It never builds a whole-message response into a scratch slice the
// way an HTTP engine does: RESP streams are unbounded and pipelined, so a
// buffer has to survive partial reads, partial writes, and prefix removal
// as messages are consumed out of its front.
package buffer

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// initialCapacity is the size a fresh buffer is allocated with. Buffers
// grow past this on demand; it is sized for a handful of pipelined RESP
// frames, not a hard limit (the proxy imposes none).
const initialCapacity = 4096

// ErrClosed signals that a read or write hit a closed/invalid descriptor
// outside of the would-block path the reactor already understands.
var ErrClosed = errors.New("buffer: descriptor closed")

// Buffer is an append-only byte container with a movable read position for
// partially-consumed trailing bytes and a movable write cursor for
// partially-flushed outbound bytes. It is not safe for concurrent use; the
// reactor that owns the buffer's session is the only goroutine that ever
// touches it.
type Buffer struct {
	data   []byte
	wsent  int // bytes out of data[:len(data)] already written to the fd
}

// New returns an empty Buffer ready for use.
func New() *Buffer {
	return &Buffer{data: make([]byte, 0, initialCapacity)}
}

// Size reports the number of unconsumed bytes currently buffered.
func (b *Buffer) Size() int {
	return len(b.data)
}

// Bytes exposes the buffered bytes directly. Callers must not retain the
// slice across a mutating call (Append, TruncatePrefix, Clear, ReadFrom).
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Append copies p onto the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Clear empties the buffer and resets the write cursor, keeping the
// underlying array for reuse.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
	b.wsent = 0
}

// TruncatePrefix drops the first n bytes, shifting the remainder down to
// index 0. Precondition: 0 <= n <= Size(). After this call, Size()
// decreases by exactly n and iteration order of the remaining bytes is
// preserved.
func (b *Buffer) TruncatePrefix(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.Clear()
		return
	}
	copy(b.data, b.data[n:])
	b.data = b.data[:len(b.data)-n]
	b.wsent -= n
	if b.wsent < 0 {
		b.wsent = 0
	}
}

// ReadFrom repeatedly reads fd into the buffer until the read would block,
// appending every chunk it receives. It returns the total number of bytes
// read across every iteration of this call; 0 means the peer performed an
// orderly shutdown on the very first read (the session should be torn
// down). A nonzero n with err == nil means the buffer drained the socket
// down to EAGAIN as edge-triggered readiness requires.
func (b *Buffer) ReadFrom(fd int) (n int, err error) {
	var chunk [8192]byte
	for {
		r, rerr := syscall.Read(fd, chunk[:])
		if rerr != nil {
			if rerr == syscall.EAGAIN || rerr == syscall.EWOULDBLOCK {
				return n, nil
			}
			if rerr == syscall.EINTR {
				continue
			}
			return n, rerr
		}
		if r == 0 {
			if n == 0 {
				return 0, nil
			}
			return n, nil
		}
		b.data = append(b.data, chunk[:r]...)
		n += r
	}
}

// WriteTo drains the buffer to fd starting from the write cursor left by
// any prior partial write, looping on short writes. It returns true once
// every buffered byte has been written (the caller should then Clear the
// buffer); it returns false, nil on EAGAIN with the write cursor advanced
// by whatever did get written — the caller must retry on the next writable
// edge rather than looping here. A short write is expected and is not an
// error; only a write syscall error other than EAGAIN is.
func (b *Buffer) WriteTo(fd int) (done bool, err error) {
	for b.wsent < len(b.data) {
		n, werr := syscall.Write(fd, b.data[b.wsent:])
		if werr != nil {
			if werr == syscall.EAGAIN || werr == syscall.EWOULDBLOCK {
				return false, nil
			}
			if werr == syscall.EINTR {
				continue
			}
			return false, werr
		}
		b.wsent += n
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

// WriteCursor reports how many of the buffered bytes have already been
// flushed to the fd by a prior WriteTo/ScatterWriteTo call.
func (b *Buffer) WriteCursor() int {
	return b.wsent
}

// Range is a contiguous [Begin, End) byte range within some source buffer.
// It is used both to describe scatter-gather write segments and — in
// internal/resp — to describe parsed RESP message boundaries without
// copying any bytes.
type Range struct {
	Begin, End int
}

// Len reports the number of bytes the range spans.
func (r Range) Len() int { return r.End - r.Begin }

// ScatterView returns the buffer's unconsumed bytes as a single contiguous
// range suitable for a scatter-gather write. A Buffer never holds more than
// one backing array at a time, so the "scatter" in a scatter-gather write
// happens across sessions' buffers (see ScatterWriteTo), not within one.
// The returned range remains valid only until the next mutating call.
func (b *Buffer) ScatterView() Range {
	return Range{Begin: 0, End: len(b.data)}
}

// Segment names a buffer and the byte offset, relative to its start, up to
// which ScatterWriteTo may send. Upstream sessions use Limit rather than
// Size() because a client buffer can keep growing with newly-arrived,
// not-yet-staged bytes while an earlier batch of its already-staged bytes is
// still being flushed to upstream (SPEC_FULL §4 item 3): only the bytes that
// were part of the frozen batch may go out in this writev.
type Segment struct {
	Buf   *Buffer
	Limit int
}

// ScatterWriteTo performs a single writev across the [WriteCursor(), Limit)
// portion of every segment, in order, honoring each buffer's own write
// cursor so a batch partially sent on a previous call resumes exactly where
// it left off without re-sending already-acknowledged bytes. It returns the
// total number of bytes newly written across the whole batch. Like WriteTo,
// a short writev is not an error: the caller inspects each segment's
// Buf.WriteCursor() against its Limit afterward to see which ones still have
// unsent bytes and must be retried on the next writable edge.
func ScatterWriteTo(fd int, segs []Segment) (int, error) {
	iovs := make([][]byte, 0, len(segs))
	for _, s := range segs {
		if s.Buf == nil {
			continue
		}
		if pending := s.Buf.data[s.Buf.wsent:s.Limit]; len(pending) > 0 {
			iovs = append(iovs, pending)
		}
	}
	if len(iovs) == 0 {
		return 0, nil
	}

	n, err := unix.Writev(fd, iovs)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		if err == unix.EINTR {
			return ScatterWriteTo(fd, segs)
		}
		return 0, err
	}

	remaining := n
	for _, s := range segs {
		if s.Buf == nil {
			continue
		}
		pending := s.Limit - s.Buf.wsent
		if pending <= 0 {
			continue
		}
		take := pending
		if take > remaining {
			take = remaining
		}
		s.Buf.wsent += take
		remaining -= take
		if remaining == 0 {
			break
		}
	}
	return n, nil
}
