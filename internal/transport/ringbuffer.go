package transport

import (
	"bufio"
	"io"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// DefaultStderrLines is the default capacity of a provider's stderr ring.
const DefaultStderrLines = 100

// RingBuffer keeps the most recent N lines of backend stderr output.
// It is safe for concurrent use by multiple goroutines.
type RingBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRingBuffer creates a ring holding at most capacity lines.
// Capacities < 1 fall back to DefaultStderrLines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = DefaultStderrLines
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Append adds a line, discarding the oldest when the ring is full.
func (r *RingBuffer) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
}

// Lines returns the buffered lines, oldest first.
func (r *RingBuffer) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}

	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// captureStderr drains a stderr reader into the ring, mirroring each line
// to the logger at debug level. It returns when the reader is exhausted.
func captureStderr(logger hclog.Logger, r io.Reader, ring *RingBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ring.Append(line)
		logger.Debug("stderr", "line", line)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		logger.Debug("stderr capture ended", "error", err)
	}
}
