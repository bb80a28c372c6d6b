// Package sse reads server-sent event payloads from upstream connections.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrDone is returned at the [DONE] sentinel. A plain io.EOF means the
// connection ended without one, which callers may treat as truncation.
var ErrDone = errors.New("stream done")

// Reader yields the data payload of each SSE event from an io.Reader. The
// underlying bufio.Scanner only surfaces complete lines, so logical lines
// split across network reads are reassembled before decoding. Anything after
// the [DONE] sentinel is never surfaced.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next event payload. It returns ErrDone at the [DONE]
// sentinel, io.EOF at the end of the stream, and the scanner's error if the
// connection failed mid-read. Empty and non-data lines are skipped.
func (r *Reader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil, ErrDone
		}
		return []byte(data), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
