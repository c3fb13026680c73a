package quota

import (
	"sync"
	"time"
)

// cleanupRecorder counts cleanup runs in a ring of one-minute buckets
// so `CleanupRate` can answer "how many cleanups in the last period".
type cleanupRecorder struct {
	mu      sync.Mutex
	buckets []int
	stamps  []int64
	now     func() time.Time
}

const cleanupRecorderWindow = 90 // minutes retained

func newCleanupRecorder() *cleanupRecorder {
	return &cleanupRecorder{
		buckets: make([]int, cleanupRecorderWindow),
		stamps:  make([]int64, cleanupRecorderWindow),
		now:     time.Now,
	}
}

func (r *cleanupRecorder) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	minute := r.now().Unix() / 60
	slot := int(minute % cleanupRecorderWindow)
	if r.stamps[slot] != minute {
		r.stamps[slot] = minute
		r.buckets[slot] = 0
	}
	r.buckets[slot]++
}

// rate returns the number of recorded cleanups within the trailing
// period. Periods beyond the retained window are clamped.
func (r *cleanupRecorder) rate(period time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	minutes := int64(period / time.Minute)
	if minutes > cleanupRecorderWindow {
		minutes = cleanupRecorderWindow
	}
	current := r.now().Unix() / 60
	total := 0
	for i := range r.stamps {
		if r.stamps[i] >= current-minutes && r.stamps[i] <= current {
			total += r.buckets[i]
		}
	}
	return total
}
