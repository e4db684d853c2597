// Package resp implements the RESP framer: it locates the byte boundaries
// of complete RESP messages in a buffer without decoding their values. The
// proxy forwards bytes unchanged (spec.md §1: "no RESP-level command
// inspection"); the framer's only job is to locate message boundaries: the
// Upstream session uses it to count the complete replies it just received so
// they can be handed back to the right clients in order, and each Client
// uses it to stage only whole requests.
package resp

import (
	"bytes"

	"github.com/zixinfeng/redis-cerberus/internal/buffer"
)

// Result is what Scan produces against one byte range: the sequence of
// complete messages it found, whether the buffer was consumed exactly, and
// — when it was not — the offset the next Scan call should resume from.
type Result struct {
	// Messages holds one Range per complete RESP message found, in order.
	Messages []buffer.Range
	// Finished is true iff the buffer was consumed exactly: the last
	// message's End equals len(buf). False means a trailing partial
	// message remains, starting at ResumeOffset.
	Finished bool
	// ResumeOffset is the start of the trailing partial message. Only
	// meaningful when Finished is false.
	ResumeOffset int
}

// Scan frames every complete RESP message in buf. It never returns
// ErrBadMessage for a buffer that merely ends mid-frame — that is reported
// via Result.Finished == false, per spec.md §4.2's edge behavior. It
// returns ErrBadMessage only for bytes that cannot be part of any legal RESP
// frame — an unknown type byte, a bad length field, a line feed not preceded
// by a carriage return, or a bulk payload not followed by CRLF — matching
// spec.md §7's fatal BAD_MESSAGE disposition.
func Scan(buf []byte) (Result, error) {
	var res Result
	cur := 0
	for cur < len(buf) {
		start := cur
		next, err := scanMessage(buf, cur)
		if err == errIncomplete {
			res.Finished = false
			res.ResumeOffset = start
			return res, nil
		}
		if err != nil {
			return Result{}, err
		}
		res.Messages = append(res.Messages, buffer.Range{Begin: start, End: next})
		cur = next
	}
	res.Finished = true
	return res, nil
}

// scanMessage frames exactly one RESP value starting at pos, returning the
// offset of the byte following it.
func scanMessage(buf []byte, pos int) (int, error) {
	if pos >= len(buf) {
		return 0, errIncomplete
	}

	switch buf[pos] {
	case '+', '-', ':':
		_, next, err := scanLine(buf, pos+1)
		return next, err

	case '$':
		return scanBulkString(buf, pos)

	case '*':
		return scanArray(buf, pos)

	default:
		return 0, ErrBadMessage
	}
}

// scanLine locates the CRLF ending the line starting at pos (pos itself is
// the first byte of the line's content, i.e. just past a type prefix). It
// returns the [pos, lineEnd) content range and the offset just past the
// terminating CRLF.
func scanLine(buf []byte, pos int) (content []byte, next int, err error) {
	rel := bytes.IndexByte(buf[pos:], '\n')
	if rel == -1 {
		return nil, 0, errIncomplete
	}
	nl := pos + rel
	if nl == pos || buf[nl-1] != '\r' {
		return nil, 0, ErrBadMessage
	}
	return buf[pos : nl-1], nl + 1, nil
}

// scanBulkString frames a '$<len>\r\n<payload>\r\n' frame, including the
// $-1\r\n null-bulk-string form (no payload, no trailing CRLF of its own —
// the header line's CRLF is the whole frame).
func scanBulkString(buf []byte, pos int) (int, error) {
	line, next, err := scanLine(buf, pos+1)
	if err != nil {
		return 0, err
	}

	n, err := parseLen(line)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return next, nil // null bulk string, e.g. "$-1\r\n"
	}

	payloadEnd := next + n
	if payloadEnd+2 > len(buf) {
		return 0, errIncomplete
	}
	if buf[payloadEnd] != '\r' || buf[payloadEnd+1] != '\n' {
		return 0, ErrBadMessage
	}
	return payloadEnd + 2, nil
}

// scanArray frames a '*<count>\r\n' header followed by count recursively
// framed elements, including the '*-1\r\n' null-array form.
func scanArray(buf []byte, pos int) (int, error) {
	line, next, err := scanLine(buf, pos+1)
	if err != nil {
		return 0, err
	}

	n, err := parseLen(line)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return next, nil // null array, e.g. "*-1\r\n"
	}

	for i := 0; i < n; i++ {
		next, err = scanMessage(buf, next)
		if err != nil {
			return 0, err
		}
	}
	return next, nil
}

// parseLen parses a bulk-string or array length field: either "-1" (null)
// or a non-negative decimal integer. Anything else is BAD_MESSAGE.
func parseLen(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, ErrBadMessage
	}
	if len(p) == 2 && p[0] == '-' && p[1] == '1' {
		return -1, nil
	}

	n := 0
	for _, c := range p {
		if c < '0' || c > '9' {
			return 0, ErrBadMessage
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
