package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// BandwidthManager shapes byte-level throughput with zero overhead when
// disabled, ported from the teacher's internal/core/bandwidth.go and
// generalized to shape uploads as well as downloads: the teacher only
// ever called Wait from the download path.
type BandwidthManager struct {
	limiter      *rate.Limiter
	limitEnabled atomic.Bool

	mu             sync.RWMutex
	taskPriorities map[string]int // taskId -> priority (0 highest, per task.Task.Priority)
}

func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		limiter:        rate.NewLimiter(rate.Inf, 0),
		taskPriorities: make(map[string]int),
	}
}

// SetLimit sets the global shaping limit in bytes/sec; 0 disables shaping.
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.limiter.SetLimit(rate.Inf)
		return
	}
	bm.limitEnabled.Store(true)
	bm.limiter.SetLimit(rate.Limit(bytesPerSec))
	bm.limiter.SetBurst(bytesPerSec)
}

func (bm *BandwidthManager) SetTaskPriority(taskID string, priority int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.taskPriorities[taskID] = priority
}

func (bm *BandwidthManager) ClearTaskPriority(taskID string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	delete(bm.taskPriorities, taskID)
}

// Wait blocks until n bytes may be transferred, honoring the global
// limiter and lightly deprioritizing low-priority tasks (numerically
// high task.Task.Priority, since 0 is highest per spec.md §3) behind
// high-priority ones.
func (bm *BandwidthManager) Wait(ctx context.Context, taskID string, n int) error {
	if !bm.limitEnabled.Load() {
		return nil
	}
	bm.mu.RLock()
	priority, ok := bm.taskPriorities[taskID]
	bm.mu.RUnlock()
	if !ok {
		priority = 5
	}

	if err := bm.limiter.WaitN(ctx, n); err != nil {
		return err
	}
	if priority >= 8 {
		// Low-priority tasks yield a little ground to higher-priority
		// ones sharing the same limiter.
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
