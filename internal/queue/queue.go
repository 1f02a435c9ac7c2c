// Package queue implements the Holding Queue / Scheduler (component G):
// a cooperative admission controller with three concurrency caps
// (global, per-host, per-group), priority-ordered waiting list, a WiFi
// admission policy, and an optional wall-clock active-hours window
// (spec.md §4.6, supplemented from the teacher's cron-based scheduler).
package queue

import (
	"net/url"
	"sort"
	"sync"

	"tachyonengine/internal/task"
)

// Caps holds the three admission dimensions of spec.md §4.6. Zero means
// unlimited on that dimension.
type Caps struct {
	MaxConcurrent        int
	MaxConcurrentByHost  int
	MaxConcurrentByGroup int
}

// WiFiPolicy is the global WiFi admission mode (spec.md §4.6). The
// scheduler records each waiting task's effective requirement under it
// for SetWiFiPolicy to compare against; admission itself does not check
// the network type.
type WiFiPolicy string

const (
	WiFiAsSetByTask WiFiPolicy = "asSetByTask"
	WiFiForAllTasks WiFiPolicy = "forAllTasks"
	WiFiForNoTasks  WiFiPolicy = "forNoTasks"
)

// EffectiveRequiresWiFi resolves a task's WiFi requirement under policy.
func EffectiveRequiresWiFi(policy WiFiPolicy, t *task.Task) bool {
	switch policy {
	case WiFiForAllTasks:
		return true
	case WiFiForNoTasks:
		return false
	default: // WiFiAsSetByTask
		return t.RequiresWiFi
	}
}

// waitingEntry pairs a task with the WiFi requirement it was admitted
// under, so a later policy change can tell whether its effective
// requirement actually moved.
type waitingEntry struct {
	task          *task.Task
	effectiveWiFi bool
}

// admittedEntry tracks the host/group bucket an admitted task occupies,
// so Release can decrement the right counters without re-parsing the URL.
type admittedEntry struct {
	task  *task.Task
	host  string
	group string
}

// Scheduler is the Holding Queue admission controller.
type Scheduler struct {
	mu sync.Mutex

	caps   Caps
	policy WiFiPolicy

	waiting  []*waitingEntry
	admitted map[string]*admittedEntry
	retrying map[string]*task.Task // waitingToRetry bucket, for allTasks(includeWaitingToRetry)

	global  int
	byHost  map[string]int
	byGroup map[string]int

	windowOpen bool // active-hours gate; always true unless ActiveHours is enabled
	hours      *activeHoursController

	onAdmit func(t *task.Task)
}

// NewScheduler constructs a Scheduler. onAdmit is invoked (outside the
// Scheduler's lock) every time a task transitions from waiting/new to
// admitted; the caller is responsible for actually starting the worker.
func NewScheduler(caps Caps, onAdmit func(t *task.Task)) *Scheduler {
	return &Scheduler{
		caps:       caps,
		policy:     WiFiAsSetByTask,
		admitted:   make(map[string]*admittedEntry),
		retrying:   make(map[string]*task.Task),
		byHost:     make(map[string]int),
		byGroup:    make(map[string]int),
		windowOpen: true,
		onAdmit:    onAdmit,
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// fits reports whether admitting t would keep every cap within its
// limit, given the current counters.
func (s *Scheduler) fits(t *task.Task) bool {
	if s.caps.MaxConcurrent > 0 && s.global >= s.caps.MaxConcurrent {
		return false
	}
	host := hostOf(t.URL)
	if s.caps.MaxConcurrentByHost > 0 && s.byHost[host] >= s.caps.MaxConcurrentByHost {
		return false
	}
	if s.caps.MaxConcurrentByGroup > 0 && s.byGroup[t.Group] >= s.caps.MaxConcurrentByGroup {
		return false
	}
	return true
}

func (s *Scheduler) admitLocked(t *task.Task) {
	host := hostOf(t.URL)
	s.global++
	s.byHost[host]++
	s.byGroup[t.Group]++
	s.admitted[t.ID] = &admittedEntry{task: t, host: host, group: t.Group}
}

// insertWaiting keeps s.waiting sorted by priority ascending (0 first),
// then by Seq ascending (creationTime tie-break), per spec.md §4.6.
func (s *Scheduler) insertWaiting(e *waitingEntry) {
	i := sort.Search(len(s.waiting), func(i int) bool {
		a, b := s.waiting[i].task, e.task
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Seq > b.Seq
	})
	s.waiting = append(s.waiting, nil)
	copy(s.waiting[i+1:], s.waiting[i:])
	s.waiting[i] = e
}

// Enqueue admits t immediately if every cap and the active-hours window
// allow it, otherwise appends it to the waiting list. Returns whether it
// was admitted immediately.
func (s *Scheduler) Enqueue(t *task.Task) bool {
	s.mu.Lock()
	admit := s.windowOpen && s.fits(t)
	if admit {
		s.admitLocked(t)
	} else {
		s.insertWaiting(&waitingEntry{task: t, effectiveWiFi: EffectiveRequiresWiFi(s.policy, t)})
	}
	s.mu.Unlock()
	if admit && s.onAdmit != nil {
		s.onAdmit(t)
	}
	return admit
}

// Release tells the scheduler that taskID left the admitted set (it
// reached a terminal state or was paused), freeing its cap slots, then
// admits the first waiting task that now fits (spec.md §4.6).
func (s *Scheduler) Release(taskID string) {
	s.mu.Lock()
	e, ok := s.admitted[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.admitted, taskID)
	s.global--
	s.byHost[e.host]--
	s.byGroup[e.group]--
	next := s.admitNextLocked()
	s.mu.Unlock()
	if next != nil && s.onAdmit != nil {
		s.onAdmit(next)
	}
}

// admitNextLocked scans the waiting list in order and admits the first
// task that fits every cap, per spec.md §4.6 ("admit the first task that
// fits all caps"). Caller holds s.mu.
func (s *Scheduler) admitNextLocked() *task.Task {
	if !s.windowOpen {
		return nil
	}
	for i, e := range s.waiting {
		if s.fits(e.task) {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			s.admitLocked(e.task)
			return e.task
		}
	}
	return nil
}

// admitAllFittingLocked repeatedly admits waiting tasks until none fit,
// used when the active-hours window opens. Caller
// holds s.mu; returns the admitted tasks for the caller to notify
// onAdmit for, outside the lock.
func (s *Scheduler) admitAllFittingLocked() []*task.Task {
	var admitted []*task.Task
	for {
		t := s.admitNextLocked()
		if t == nil {
			return admitted
		}
		admitted = append(admitted, t)
	}
}

// CancelWaiting removes tasks matching ids from the waiting list,
// returning the ones actually found there (the caller emits `canceled`
// for each). Admitted tasks are not touched here — cancelling an active
// worker is a separate signal the engine issues directly to it.
func (s *Scheduler) CancelWaiting(ids []string) []*task.Task {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*task.Task
	kept := s.waiting[:0]
	for _, e := range s.waiting {
		if want[e.task.ID] {
			removed = append(removed, e.task)
			continue
		}
		kept = append(kept, e)
	}
	s.waiting = kept
	return removed
}

// IsAdmitted reports whether taskID currently holds a cap slot.
func (s *Scheduler) IsAdmitted(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.admitted[taskID]
	return ok
}

// TrackRetrying / UntrackRetrying let the retry controller register a
// task in the waitingToRetry bucket so allTasks(includeWaitingToRetry)
// can surface it even though it holds no cap slot and isn't waiting.
func (s *Scheduler) TrackRetrying(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrying[t.ID] = t
}

func (s *Scheduler) UntrackRetrying(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retrying, taskID)
}

// AllTasks returns the union of waiting, admitted, and (optionally)
// waitingToRetry tasks, filtered to group when non-empty (spec.md §4.6).
func (s *Scheduler) AllTasks(group string, includeWaitingToRetry bool) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, e := range s.waiting {
		if group == "" || e.task.Group == group {
			out = append(out, e.task)
		}
	}
	for _, e := range s.admitted {
		if group == "" || e.task.Group == group {
			out = append(out, e.task)
		}
	}
	if includeWaitingToRetry {
		for _, t := range s.retrying {
			if group == "" || t.Group == group {
				out = append(out, t)
			}
		}
	}
	return out
}
