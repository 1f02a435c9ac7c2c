package task

// Status is a node in the task FSM of spec.md §4.1.
type Status string

const (
	StatusEnqueued      Status = "enqueued"
	StatusRunning       Status = "running"
	StatusComplete      Status = "complete"
	StatusFailed        Status = "failed"
	StatusNotFound      Status = "notFound"
	StatusCanceled      Status = "canceled"
	StatusPaused        Status = "paused"
	StatusWaitingToRetry Status = "waitingToRetry"
)

// Progress sentinels, spec.md §4.1.
const (
	ProgressComplete       = 1.0
	ProgressFailed         = -1.0
	ProgressCanceled       = -2.0
	ProgressNotFound       = -3.0
	ProgressWaitingToRetry = -4.0
	ProgressPaused         = -5.0
)

// Terminal reports whether a status ends a task's run (spec.md §3, §4.1).
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusNotFound, StatusCanceled:
		return true
	default:
		return false
	}
}

// Live is the complement of Terminal: the task remains addressable by
// the scheduler/registry.
func (s Status) Live() bool { return !s.Terminal() }

// SentinelProgress maps a status to its fixed progress value where the
// status implies one (spec.md §4.1, §4.4 "Unknown status -> progress
// mapping"). ok is false for enqueued/running, whose progress is driven
// by the worker instead of a fixed sentinel.
func SentinelProgress(s Status) (value float64, ok bool) {
	switch s {
	case StatusComplete:
		return ProgressComplete, true
	case StatusFailed:
		return ProgressFailed, true
	case StatusCanceled:
		return ProgressCanceled, true
	case StatusNotFound:
		return ProgressNotFound, true
	case StatusWaitingToRetry:
		return ProgressWaitingToRetry, true
	case StatusPaused:
		return ProgressPaused, true
	default:
		return 0, false
	}
}

// rank orders statuses for parallel-download aggregation (spec.md §3):
// "parent status = lowest-ranking chunk status by the ordering
// complete > paused > running > enqueued > waitingToRetry > failed >
// notFound > canceled". Higher rank number = higher in that list.
var rank = map[Status]int{
	StatusComplete:       7,
	StatusPaused:         6,
	StatusRunning:        5,
	StatusEnqueued:       4,
	StatusWaitingToRetry: 3,
	StatusFailed:         2,
	StatusNotFound:       1,
	StatusCanceled:       0,
}

// LowestRanking returns the chunk status that ranks lowest among the
// given statuses, used to compute a ParallelDownloadTask's aggregate
// status. Panics on an empty slice — callers always have at least one
// chunk by construction.
func LowestRanking(statuses []Status) Status {
	lowest := statuses[0]
	for _, s := range statuses[1:] {
		if rank[s] < rank[lowest] {
			lowest = s
		}
	}
	return lowest
}

// ValidTransition reports whether moving from `from` to `to` is a legal
// edge in the FSM of spec.md §4.1. It does not know about retry/pause
// counters.
func ValidTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusEnqueued:
		return to == StatusRunning || to == StatusCanceled
	case StatusRunning:
		switch to {
		case StatusComplete, StatusFailed, StatusNotFound, StatusCanceled, StatusPaused, StatusWaitingToRetry:
			return true
		}
		return false
	case StatusPaused:
		return to == StatusRunning || to == StatusCanceled || to == StatusEnqueued
	case StatusWaitingToRetry:
		return to == StatusRunning || to == StatusCanceled || to == StatusEnqueued
	default:
		// terminal states never transition again within the same run;
		// a fresh run starts a brand new Status sequence from Enqueued.
		return false
	}
}
