// Package retry implements the Retry & Pause Controller (component F):
// intercepting a worker's `failed` emission to schedule backoff-timed
// re-entry, and persisting/restoring ResumeData across pause and retry
// waits (spec.md §4.5).
package retry

import (
	"sync"
	"time"

	"tachyonengine/internal/task"
)

// Store is the persistence surface this package needs from component A.
// internal/store.Store satisfies it.
type Store interface {
	SavePausedTask(rd task.ResumeData) error
	GetPausedTask(taskID string) (task.ResumeData, bool, error)
	DeletePausedTask(taskID string) error
	SaveResumeData(rd task.ResumeData) error
	GetResumeData(taskID string) (task.ResumeData, bool, error)
	DeleteResumeData(taskID string) error
}

// Tracker lets the controller surface retry-pending tasks through the
// holding queue's allTasks(includeWaitingToRetry) (spec.md §4.6).
// internal/queue.Scheduler satisfies it.
type Tracker interface {
	TrackRetrying(t *task.Task)
	UntrackRetrying(taskID string)
}

type pendingRetry struct {
	task       *task.Task
	timer      *time.Timer
	canceled   bool
	onCanceled func(*task.Task)
}

// Controller owns the backoff timers for tasks in waitingToRetry and the
// paused-task bookkeeping for both user-initiated pauses and retry waits.
type Controller struct {
	store   Store
	tracker Tracker

	mu      sync.Mutex
	pending map[string]*pendingRetry
}

func NewController(store Store, tracker Tracker) *Controller {
	return &Controller{
		store:   store,
		tracker: tracker,
		pending: make(map[string]*pendingRetry),
	}
}

// HandleFailure intercepts a worker's failed transition per spec.md
// §4.5. If t.RetriesRemain is exhausted it returns false and the caller
// proceeds with the real `failed` terminal status. Otherwise it:
//  1. computes the backoff delay from the *current* (pre-decrement)
//     RetriesRemain, so the sequence is 1, 2, 4, 8, ... seconds,
//  2. decrements RetriesRemain,
//  3. persists rd (if the worker produced resume data for the partial
//     transfer) to the resume_data collection,
//  4. schedules onReEnter(t, rd) after the delay, unless Cancel(t.ID) is
//     called first, in which case onCanceled(t) runs instead.
//
// The caller is responsible for emitting waitingToRetry/progress -4.0
// once HandleFailure returns true, and for emitting canceled when
// onCanceled fires.
func (c *Controller) HandleFailure(t *task.Task, rd *task.ResumeData, onReEnter func(*task.Task, *task.ResumeData), onCanceled func(*task.Task)) bool {
	if t.RetriesRemain <= 0 {
		return false
	}
	delay := time.Duration(1<<uint(t.Retries-t.RetriesRemain)) * time.Second
	t.RetriesRemain--

	if rd != nil {
		_ = c.store.SaveResumeData(*rd)
	}
	if c.tracker != nil {
		c.tracker.TrackRetrying(t)
	}

	pw := &pendingRetry{task: t, onCanceled: onCanceled}
	pw.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		_, stillPending := c.pending[t.ID]
		if stillPending {
			delete(c.pending, t.ID)
		}
		canceled := pw.canceled
		c.mu.Unlock()

		if c.tracker != nil {
			c.tracker.UntrackRetrying(t.ID)
		}

		var resumed *task.ResumeData
		if stored, found, err := c.store.GetResumeData(t.ID); err == nil && found {
			resumed = &stored
			_ = c.store.DeleteResumeData(t.ID)
		}

		if canceled {
			if onCanceled != nil {
				onCanceled(t)
			}
			return
		}
		if onReEnter != nil {
			onReEnter(t, resumed)
		}
	})

	c.mu.Lock()
	c.pending[t.ID] = pw
	c.mu.Unlock()
	return true
}

// Cancel marks a pending retry wait as canceled (spec.md §4.5 step 4).
// If the timer hasn't fired yet, Stop succeeds and Cancel runs
// onCanceled itself and drops the wait; if the timer is already firing
// or has fired, the fire path's own canceled check (set before Stop is
// attempted) takes over instead. Either path runs onCanceled exactly
// once. Returns false if taskId has no pending retry wait.
func (c *Controller) Cancel(taskID string) bool {
	c.mu.Lock()
	pw, ok := c.pending[taskID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	pw.canceled = true
	delete(c.pending, taskID)
	c.mu.Unlock()

	if pw.timer.Stop() {
		if c.tracker != nil {
			c.tracker.UntrackRetrying(taskID)
		}
		if resumed, found, err := c.store.GetResumeData(taskID); err == nil && found {
			_ = resumed
			_ = c.store.DeleteResumeData(taskID)
		}
		if pw.onCanceled != nil {
			pw.onCanceled(pw.task)
		}
	}
	// If Stop returns false the timer's own callback is already running
	// (or ran); but we've removed pw from c.pending, so its canceled
	// check there would see "not found" and proceed to onReEnter — to
	// avoid that race, the fire callback in HandleFailure checks the pw's own
	// canceled flag (captured at closure time) rather than a fresh map
	// lookup.
	return true
}

// Pause persists rd as a user-initiated pause (spec.md §4.5 "On
// paused..."). The caller has already released the task's admission
// slot and emitted the paused status/progress.
func (c *Controller) Pause(rd task.ResumeData) error {
	return c.store.SavePausedTask(rd)
}

// Resume removes taskId's paused record and returns its ResumeData for
// the caller to re-admit via the holding queue with the resume point
// attached (spec.md §4.5).
func (c *Controller) Resume(taskID string) (task.ResumeData, bool, error) {
	rd, ok, err := c.store.GetPausedTask(taskID)
	if err != nil || !ok {
		return task.ResumeData{}, ok, err
	}
	if err := c.store.DeletePausedTask(taskID); err != nil {
		return task.ResumeData{}, false, err
	}
	return rd, true, nil
}
