package dock

import (
	"sync"
	"time"
)

// ProgressTracker rate-limits progress reports for one command transfer.
type ProgressTracker struct {
	mu sync.Mutex

	name        Name
	transferred int64
	total       int64
	startTime   time.Time
	lastUpdate  time.Time
	lastBytes   int64

	callback       func(name Name, transferred, total int64, rate float64)
	updateInterval time.Duration
}

// NewProgressTracker creates a tracker that calls callback at most once
// per interval, plus once on completion.
func NewProgressTracker(callback func(Name, int64, int64, float64), interval time.Duration) *ProgressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &ProgressTracker{
		callback:       callback,
		updateInterval: interval,
	}
}

// Start begins tracking a transfer of total bytes.
func (pt *ProgressTracker) Start(name Name, total int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.name = name
	pt.total = total
	pt.transferred = 0
	pt.startTime = time.Now()
	pt.lastUpdate = pt.startTime
	pt.lastBytes = 0
}

// Update records progress and reports it if the interval has passed.
func (pt *ProgressTracker) Update(transferred, total int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.transferred = transferred
	pt.total = total

	now := time.Now()
	if now.Sub(pt.lastUpdate) < pt.updateInterval || transferred >= total {
		return
	}

	elapsed := now.Sub(pt.lastUpdate).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(transferred-pt.lastBytes) / elapsed
	}
	if pt.callback != nil {
		pt.callback(pt.name, transferred, pt.total, rate)
	}
	pt.lastUpdate = now
	pt.lastBytes = transferred
}

// Complete reports the final position and returns the transfer duration.
func (pt *ProgressTracker) Complete() time.Duration {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	duration := time.Since(pt.startTime)
	var rate float64
	if s := duration.Seconds(); s > 0 {
		rate = float64(pt.transferred) / s
	}
	if pt.callback != nil {
		pt.callback(pt.name, pt.transferred, pt.total, rate)
	}
	return duration
}
