package worker

import (
	"sync"
	"time"
)

// CongestionController runs an AIMD (additive-increase/multiplicative-
// decrease) loop per host to pick the ideal number of concurrent child
// chunk downloads for the Parallel Download Coordinator (spec.md §4.3),
// ported from the teacher's internal/core/congestion.go.
type CongestionController struct {
	mu         sync.Mutex
	hosts      map[string]*hostStats
	minWorkers int
	maxWorkers int
}

type hostStats struct {
	smoothedRTT  time.Duration
	concurrency  int
	successCount int
	errorCount   int
}

func NewCongestionController(min, max int) *CongestionController {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &CongestionController{hosts: make(map[string]*hostStats), minWorkers: min, maxWorkers: max}
}

// RecordOutcome reports one completed chunk's latency and success/error.
func (cc *CongestionController) RecordOutcome(host string, latency time.Duration, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	s, ok := cc.hosts[host]
	if !ok {
		s = &hostStats{concurrency: cc.minWorkers, smoothedRTT: latency}
		cc.hosts[host] = s
	}
	const alpha = 0.125
	s.smoothedRTT = time.Duration((1-alpha)*float64(s.smoothedRTT) + alpha*float64(latency))
	if err != nil {
		s.errorCount++
	} else {
		s.successCount++
	}
}

// IdealConcurrency returns the current AIMD target for host: halved on
// any observed error since the last call (multiplicative decrease),
// incremented by one once enough successes accumulate (additive
// increase), clamped to [minWorkers, maxWorkers].
func (cc *CongestionController) IdealConcurrency(host string) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	s, ok := cc.hosts[host]
	if !ok {
		return cc.minWorkers
	}
	if s.errorCount > 0 {
		s.concurrency = s.concurrency / 2
		if s.concurrency < cc.minWorkers {
			s.concurrency = cc.minWorkers
		}
		s.errorCount = 0
		return s.concurrency
	}
	if s.successCount > s.concurrency {
		if s.concurrency < cc.maxWorkers {
			s.concurrency++
		}
		s.successCount = 0
	}
	return s.concurrency
}
