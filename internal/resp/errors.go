package resp

import "errors"

// Sentinel errors the Framer returns. They mirror the teacher's own
// errIncomplete/errInvalid split (server/protocol/errors.go): incomplete is
// a normal, expected outcome of framing a partial socket read, invalid is
// the fatal BAD_MESSAGE disposition spec.md §7 mandates.
var (
	// errIncomplete means the buffer ends mid-frame; it is never surfaced
	// to the caller as an error, only via Result.Finished == false.
	errIncomplete = errors.New("resp: incomplete message")

	// ErrBadMessage means the buffer contains a byte sequence that cannot
	// be a RESP message under any continuation. Fatal per spec.md §7.
	ErrBadMessage = errors.New("resp: malformed message")
)
