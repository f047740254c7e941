package mcphost

import (
	"sync"
	"testing"
)

func TestLatencyWindowEmpty(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(10)
	if w.Count() != 0 || w.P50() != 0 || w.P99() != 0 || w.ErrorRate() != 0 {
		t.Errorf("empty window = count %d p50 %d p99 %d err %f, want all zero",
			w.Count(), w.P50(), w.P99(), w.ErrorRate())
	}
}

func TestLatencyWindowDefaultSize(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(0)
	if len(w.lats) != defaultWindowSize {
		t.Errorf("capacity = %d, want %d", len(w.lats), defaultWindowSize)
	}
}

func TestLatencyWindowPercentiles(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(10)
	for _, ms := range []int64{50, 10, 40, 20, 30} {
		w.Record(ms, false)
	}
	if got := w.P50(); got != 30 {
		t.Errorf("P50 = %d, want 30", got)
	}

	big := newLatencyWindow(100)
	for i := int64(1); i <= 100; i++ {
		big.Record(i, false)
	}
	if got := big.P99(); got < 98 || got > 100 {
		t.Errorf("P99 = %d, want in [98,100]", got)
	}
}

func TestLatencyWindowSingleSample(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(10)
	w.Record(42, false)
	if w.P50() != 42 || w.P99() != 42 {
		t.Errorf("P50/P99 = %d/%d, want 42/42", w.P50(), w.P99())
	}
}

func TestLatencyWindowErrorRate(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(10)
	w.Record(100, false)
	w.Record(100, false)
	w.Record(100, true)
	if got := w.ErrorRate(); got < 0.3 || got > 0.4 {
		t.Errorf("ErrorRate = %f, want 1/3", got)
	}
}

func TestLatencyWindowErrorFallsOutWithItsSample(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(3)
	w.Record(100, true)
	w.Record(200, false)
	w.Record(300, false)
	if got := w.ErrorRate(); got < 0.3 || got > 0.4 {
		t.Fatalf("ErrorRate = %f, want 1/3 while the error is in the window", got)
	}

	// The fourth sample evicts the error; the rate goes back to zero.
	w.Record(400, false)
	if got := w.ErrorRate(); got != 0 {
		t.Errorf("ErrorRate = %f, want 0 after the error sample was evicted", got)
	}
}

func TestLatencyWindowWraps(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(3)
	w.Record(100, false)
	w.Record(200, false)
	w.Record(300, false)
	if got := w.P50(); got != 200 {
		t.Errorf("P50 at full window = %d, want 200", got)
	}

	w.Record(400, false)
	if got := w.P50(); got != 300 {
		t.Errorf("P50 after wrap = %d, want 300", got)
	}
	if got := w.Count(); got != 4 {
		t.Errorf("Count = %d, want the lifetime total 4", got)
	}
}

func TestLatencyWindowConcurrent(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(50)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				w.Record(v, j%3 == 0)
			}
		}(int64(i * 10))
	}
	wg.Wait()
	if c := w.Count(); c != 100 {
		t.Errorf("Count = %d, want 100", c)
	}
}
