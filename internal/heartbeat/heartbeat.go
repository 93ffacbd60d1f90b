package heartbeat

import (
	"sync/atomic"
	"time"
)

// DefaultThreshold is how much polling time passes between alive notices.
const DefaultThreshold = 24 * time.Hour

// Notice is emitted when the window closes.
type Notice struct {
	Processed int64         `json:"processed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Window accumulates slept intervals and completed jobs between alive notices.
// Only the reconciliation loop writes to it; readers such as the status API may load concurrently.
type Window struct {
	threshold time.Duration
	elapsed   int64
	processed int64
}

// NewWindow creates an alive window that closes after threshold.
func NewWindow(threshold time.Duration) *Window {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Window{threshold: threshold}
}

// AddProcessed counts jobs finished during the current window.
func (w *Window) AddProcessed(n int) {
	atomic.AddInt64(&w.processed, int64(n))
}

// Advance adds one polling interval. When the accumulated time reaches the threshold
// it returns the window's notice and starts a new window.
func (w *Window) Advance(d time.Duration) (Notice, bool) {
	elapsed := atomic.AddInt64(&w.elapsed, int64(d))
	if time.Duration(elapsed) < w.threshold {
		return Notice{}, false
	}
	atomic.StoreInt64(&w.elapsed, 0)
	return Notice{
		Processed: atomic.SwapInt64(&w.processed, 0),
		Elapsed:   time.Duration(elapsed),
	}, true
}

// Snapshot reports the current window without resetting it.
func (w *Window) Snapshot() Notice {
	return Notice{
		Processed: atomic.LoadInt64(&w.processed),
		Elapsed:   time.Duration(atomic.LoadInt64(&w.elapsed)),
	}
}
