package report

import (
	"sync"

	"github.com/banshee-data/sensorfusion/internal/fusion"
)

// DefaultHistorySize is the number of estimates a History keeps when
// created with a non-positive size.
const DefaultHistorySize = 2000

// History is a fusion.Sink that retains the most recent estimates for the
// live debug charts.
type History struct {
	mu    sync.Mutex
	buf   []fusion.Estimate
	next  int
	full  bool
	total uint64
}

// NewHistory returns a History holding at most size estimates.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]fusion.Estimate, size)}
}

func (h *History) Write(e fusion.Estimate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = e
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
	h.total++
	return nil
}

// Estimates returns the retained estimates, oldest first.
func (h *History) Estimates() []fusion.Estimate {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]fusion.Estimate(nil), h.buf[:h.next]...)
	}
	out := make([]fusion.Estimate, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// Total is the number of estimates ever written.
func (h *History) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Reset drops all retained estimates.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next, h.full = 0, false
	clear(h.buf)
}
