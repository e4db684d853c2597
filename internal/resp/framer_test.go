package resp

import (
	"errors"
	"testing"
)

func Test_Scan_allCases(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		expectError error
		expectMsgs  int
		finished    bool
	}{
		{
			name:       "simple string",
			raw:        "+OK\r\n",
			expectMsgs: 1,
			finished:   true,
		},
		{
			name:       "error and integer",
			raw:        "-ERR bad\r\n:42\r\n",
			expectMsgs: 2,
			finished:   true,
		},
		{
			name:       "bulk string",
			raw:        "$5\r\nhello\r\n",
			expectMsgs: 1,
			finished:   true,
		},
		{
			name:       "null bulk string",
			raw:        "$-1\r\n",
			expectMsgs: 1,
			finished:   true,
		},
		{
			name:       "pipelined simple commands",
			raw:        "*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n",
			expectMsgs: 2,
			finished:   true,
		},
		{
			name:       "nested array",
			raw:        "*2\r\n*2\r\n:1\r\n:2\r\n+OK\r\n",
			expectMsgs: 1,
			finished:   true,
		},
		{
			name:       "null array",
			raw:        "*-1\r\n",
			expectMsgs: 1,
			finished:   true,
		},
		{
			name:       "incomplete bulk string payload",
			raw:        "$5\r\nhel",
			expectMsgs: 0,
			finished:   false,
		},
		{
			name:       "incomplete line",
			raw:        "+OK",
			expectMsgs: 0,
			finished:   false,
		},
		{
			name:       "complete then partial tail",
			raw:        "+OK\r\n+PAR",
			expectMsgs: 1,
			finished:   false,
		},
		{
			name:        "bad type byte",
			raw:         "!nope\r\n",
			expectError: ErrBadMessage,
		},
		{
			name:        "missing CRLF on bulk payload",
			raw:         "$5\r\nhelloXX",
			expectError: ErrBadMessage,
		},
		{
			name:        "non-numeric length",
			raw:         "$abc\r\n",
			expectError: ErrBadMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Scan([]byte(tt.raw))
			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Fatalf("expected error %v, got %v", tt.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(res.Messages) != tt.expectMsgs {
				t.Errorf("expected %d messages, got %d", tt.expectMsgs, len(res.Messages))
			}
			if res.Finished != tt.finished {
				t.Errorf("expected finished=%v, got %v", tt.finished, res.Finished)
			}
		})
	}
}

// Test_Scan_idempotentOnResume exercises the framing idempotence property:
// scanning a buffer that ends mid-frame reports Finished == false, and the
// complete message before the cut keeps the same boundary once the buffer
// is completed and scanned again from scratch.
func Test_Scan_idempotentOnResume(t *testing.T) {
	first := "+OK\r\n$5\r\nhel"
	res, err := Scan([]byte(first))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Finished {
		t.Fatalf("expected an incomplete trailing message")
	}
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 complete message, got %d", len(res.Messages))
	}

	full := first + "lo\r\n"
	res2, err := Scan([]byte(full))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res2.Finished {
		t.Fatalf("expected the completed buffer to finish cleanly")
	}
	if len(res2.Messages) != 2 {
		t.Fatalf("expected 2 complete messages, got %d", len(res2.Messages))
	}
	if res2.Messages[0] != res.Messages[0] {
		t.Errorf("first message boundary changed across resume: %v vs %v", res.Messages[0], res2.Messages[0])
	}
}

func Test_Scan_emptyBuffer(t *testing.T) {
	res, err := Scan(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Finished || len(res.Messages) != 0 {
		t.Fatalf("expected an empty, finished result, got %+v", res)
	}
}
