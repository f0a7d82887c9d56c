package scheduler

import (
	"sync"
	"time"
)

// progressReportInterval bounds update_progress calls to roughly 2 Hz, so a
// fast-paced NUp run on small inputs does not flood the registry.
const progressReportInterval = 500 * time.Millisecond

// coalescedProgress rate-limits imposition page-placement callbacks and
// pins the reported percentage to [10, 95]: 0-10 is reserved for input
// collection, 95-100 for output persistence and the final status flip.
type coalescedProgress struct {
	mu       sync.Mutex
	last     time.Time
	cb       func(pct int, stage string)
}

func newCoalescedProgress(cb func(pct int, stage string)) *coalescedProgress {
	return &coalescedProgress{cb: cb}
}

func (c *coalescedProgress) report(placed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	final := total > 0 && placed >= total
	if !final && now.Sub(c.last) < progressReportInterval {
		return
	}
	c.last = now

	pct := 10
	if total > 0 {
		frac := float64(placed) / float64(total)
		pct = 10 + int(frac*85)
	}
	if pct > 95 {
		pct = 95
	}
	if pct < 10 {
		pct = 10
	}

	c.cb(pct, "imposing")
}
