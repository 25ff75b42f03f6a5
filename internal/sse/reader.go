// Package sse implements the SSE line reassembler (chunked upstream bytes to
// line-oriented data: payloads) and the writer that emits Anthropic-shaped
// SSE events to the client.
package sse

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024

// NewScanner returns a bufio.Scanner configured to read SSE lines. Its
// internal buffer grows from 4KB up to 64KB as needed, which is what makes
// Reassemble safe against a "data:" line arriving split across read frames:
// the scanner simply reads more before yielding a token.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// DataPayload extracts the payload from a trimmed SSE line that starts with
// "data:" or "data: ". ok is false for any other line shape (event:, blank,
// comment, non-data field).
func DataPayload(line string) (payload string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "data:") {
		return "", false
	}
	payload = strings.TrimPrefix(trimmed, "data:")
	payload = strings.TrimPrefix(payload, " ")
	return payload, true
}

// Reassemble reads r line by line, extracting every non-empty data: payload
// and passing it to onData in order. A residual line with no trailing
// newline at EOF is processed the same way as any other line. Returns the
// first error from onData, or the scanner's error.
func Reassemble(r io.Reader, onData func(payload string) error) error {
	sc := NewScanner(r)
	for sc.Scan() {
		payload, ok := DataPayload(sc.Text())
		if !ok || payload == "" {
			continue
		}
		if err := onData(payload); err != nil {
			return err
		}
	}
	return sc.Err()
}
