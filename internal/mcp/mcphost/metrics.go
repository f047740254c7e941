package mcphost

import (
	"slices"
	"sync"
)

// latencyWindow keeps the last N tool-call latencies in a ring so the
// calibrator can re-tier a tool from measured P50/P99 and error rate. A
// parallel error ring keeps the rate exact over the same window. Safe for
// concurrent use.
type latencyWindow struct {
	mu     sync.Mutex
	lats   []int64 // latency ring, milliseconds
	errs   []bool
	pos    int
	total  int // lifetime samples, may exceed the ring
	errors int // errors currently inside the window
}

// newLatencyWindow creates a window holding size samples; non-positive sizes
// get [defaultWindowSize].
func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &latencyWindow{
		lats: make([]int64, size),
		errs: make([]bool, size),
	}
}

// Record stores one tool invocation. Once the ring is full the oldest sample
// falls out, taking its error mark with it.
func (w *latencyWindow) Record(latencyMs int64, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.total >= len(w.lats) && w.errs[w.pos] {
		w.errors--
	}
	w.lats[w.pos] = latencyMs
	w.errs[w.pos] = isError
	if isError {
		w.errors++
	}
	w.pos = (w.pos + 1) % len(w.lats)
	w.total++
}

// filled returns how many ring slots hold real samples.
func (w *latencyWindow) filled() int {
	return min(w.total, len(w.lats))
}

// sorted returns the window's latencies in ascending order. Ring order is
// irrelevant once sorted, so the valid region is copied as-is.
func (w *latencyWindow) sorted() []int64 {
	n := w.filled()
	if n == 0 {
		return nil
	}
	cp := slices.Clone(w.lats[:n])
	slices.Sort(cp)
	return cp
}

// P50 returns the median latency in ms, 0 when nothing was recorded.
func (w *latencyWindow) P50() int64 {
	return w.percentile(0.50)
}

// P99 returns the 99th-percentile latency in ms, 0 when nothing was recorded.
func (w *latencyWindow) P99() int64 {
	return w.percentile(0.99)
}

func (w *latencyWindow) percentile(q float64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[int(float64(len(s)-1)*q)]
}

// ErrorRate returns the error fraction of the current window, 0..1.
func (w *latencyWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.filled()
	if n == 0 {
		return 0
	}
	return float64(w.errors) / float64(n)
}

// Count returns the lifetime number of recorded invocations.
func (w *latencyWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
