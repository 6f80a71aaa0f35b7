package runner

import (
	"fmt"
	"sync"
)

// capBuffer keeps the most recent limit bytes written to it. Older output
// is dropped so runaway tools cannot exhaust memory; the rendered string
// carries a marker when anything was dropped.
type capBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	dropped   int64
	truncated bool
}

func newCapBuffer(limit int) *capBuffer {
	return &capBuffer{limit: limit}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.limit {
		b.dropped += int64(len(b.buf)) + int64(n-b.limit)
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		b.truncated = true
		return n, nil
	}
	if overflow := len(b.buf) + n - b.limit; overflow > 0 {
		b.dropped += int64(overflow)
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// String renders the retained output, prefixed with a truncation marker
// when earlier bytes were dropped.
func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.truncated {
		return string(b.buf)
	}
	return fmt.Sprintf("[output truncated: %d earlier bytes dropped]\n%s", b.dropped, b.buf)
}

// Truncated reports whether any output was dropped.
func (b *capBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
