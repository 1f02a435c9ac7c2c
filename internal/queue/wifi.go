package queue

import "tachyonengine/internal/task"

// WiFiTransition describes one task whose effective WiFi requirement
// changed as a result of SetWiFiPolicy (spec.md §4.6).
type WiFiTransition struct {
	Task *task.Task
	// WasAdmitted is true if Task held a cap slot at policy-change time
	// (it's running); false if it was only in the waiting list.
	WasAdmitted bool
}

// SetWiFiPolicy updates the global WiFi policy and reports every
// waiting task whose effective requirement changed (the caller
// re-enqueues each via Enqueue after cancelling/emitting `canceled`,
// per spec.md §4.6). When rescheduleRunning is true, admitted tasks
// whose effective requirement changed are also reported with
// WasAdmitted=true so the caller can pause (if pause-capable) and
// re-enqueue them; otherwise running tasks are left alone.
func (s *Scheduler) SetWiFiPolicy(mode WiFiPolicy, rescheduleRunning bool) []WiFiTransition {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.policy
	s.policy = mode
	if old == mode {
		return nil
	}

	var transitions []WiFiTransition

	stillWaiting := s.waiting[:0]
	for _, e := range s.waiting {
		newEffective := EffectiveRequiresWiFi(mode, e.task)
		if newEffective != e.effectiveWiFi {
			transitions = append(transitions, WiFiTransition{Task: e.task, WasAdmitted: false})
			continue // dropped from waiting; caller re-enqueues after emitting canceled
		}
		stillWaiting = append(stillWaiting, e)
	}
	s.waiting = stillWaiting

	if rescheduleRunning {
		for _, e := range s.admitted {
			oldEffective := EffectiveRequiresWiFi(old, e.task)
			newEffective := EffectiveRequiresWiFi(mode, e.task)
			if newEffective != oldEffective {
				transitions = append(transitions, WiFiTransition{Task: e.task, WasAdmitted: true})
			}
		}
	}

	return transitions
}
