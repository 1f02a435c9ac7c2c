package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ActiveHours is the supplemented wall-clock admission window, restored
// from the teacher's internal/core/scheduler.go (github.com/robfig/cron/v3)
// per SPEC_FULL.md §4.6: outside [StartHour, StopHour) the holding queue
// withholds admission — enqueue still succeeds, the task just waits.
type ActiveHours struct {
	Enabled   bool
	StartHour int // 0-23
	StopHour  int // 0-23
}

// activeHoursController owns the cron jobs that flip a Scheduler's
// admission window open/closed. Kept separate from Scheduler itself so a
// Scheduler used without active hours never pays for a cron.Cron.
type activeHoursController struct {
	mu        sync.Mutex
	logger    *slog.Logger
	cron      *cron.Cron
	startID   cron.EntryID
	stopID    cron.EntryID
	scheduler *Scheduler
}

func newActiveHoursController(logger *slog.Logger, s *Scheduler) *activeHoursController {
	if logger == nil {
		logger = slog.Default()
	}
	return &activeHoursController{logger: logger, cron: cron.New(), scheduler: s}
}

// SetActiveHours (re)configures the admission window. Calling it with
// Enabled=false removes any existing jobs and opens the window
// unconditionally, matching "this is additive and never overrides an
// explicit enqueue/resume call" (SPEC_FULL.md §4.6).
func (a *activeHoursController) SetActiveHours(cfg ActiveHours) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.startID != 0 {
		a.cron.Remove(a.startID)
		a.startID = 0
	}
	if a.stopID != 0 {
		a.cron.Remove(a.stopID)
		a.stopID = 0
	}

	if !cfg.Enabled {
		a.scheduler.openWindow()
		return nil
	}
	if cfg.StartHour < 0 || cfg.StartHour > 23 || cfg.StopHour < 0 || cfg.StopHour > 23 {
		return fmt.Errorf("queue: active-hours bounds must be within 0..23, got start=%d stop=%d", cfg.StartHour, cfg.StopHour)
	}

	startID, err := a.cron.AddFunc(cronSpecFromHour(cfg.StartHour), func() {
		a.logger.Info("holding queue: active-hours window opened")
		a.scheduler.openWindow()
	})
	if err != nil {
		return fmt.Errorf("queue: schedule active-hours start: %w", err)
	}
	stopID, err := a.cron.AddFunc(cronSpecFromHour(cfg.StopHour), func() {
		a.logger.Info("holding queue: active-hours window closed")
		a.scheduler.closeWindow()
	})
	if err != nil {
		a.cron.Remove(startID)
		return fmt.Errorf("queue: schedule active-hours stop: %w", err)
	}
	a.startID, a.stopID = startID, stopID

	// The cron jobs only fire on the hour boundaries, so set the window
	// from the current hour now (a window may wrap past midnight).
	h := time.Now().Hour()
	inside := h >= cfg.StartHour && h < cfg.StopHour
	if cfg.StartHour > cfg.StopHour {
		inside = h >= cfg.StartHour || h < cfg.StopHour
	}
	if inside {
		a.scheduler.openWindow()
	} else {
		a.scheduler.closeWindow()
	}
	return nil
}

func (a *activeHoursController) Start() { a.cron.Start() }
func (a *activeHoursController) Stop()  { a.cron.Stop() }

// ActiveHours lazily attaches active-hours control to s, returning the
// same controller on every call.
func (s *Scheduler) ActiveHours(logger *slog.Logger) *activeHoursController {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hours == nil {
		s.hours = newActiveHoursController(logger, s)
		s.hours.Start()
	}
	return s.hours
}

func cronSpecFromHour(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}

// openWindow / closeWindow toggle admission and, on open, drain the
// waiting list as far as caps allow.
func (s *Scheduler) openWindow() {
	s.mu.Lock()
	s.windowOpen = true
	admitted := s.admitAllFittingLocked()
	s.mu.Unlock()
	if s.onAdmit != nil {
		for _, t := range admitted {
			s.onAdmit(t)
		}
	}
}

func (s *Scheduler) closeWindow() {
	s.mu.Lock()
	s.windowOpen = false
	s.mu.Unlock()
}
