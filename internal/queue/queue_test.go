package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tachyonengine/internal/task"
)

func mkTask(id, host string, priority int) *task.Task {
	t := task.New(id, "https://"+host+"/f")
	t.Priority = priority
	t.Kind = task.KindDownload
	t.Download = &task.DownloadSpec{}
	return t
}

func TestEnqueueAdmitsUnderCap(t *testing.T) {
	var admitted []string
	s := NewScheduler(Caps{MaxConcurrent: 1}, func(tk *task.Task) { admitted = append(admitted, tk.ID) })

	require.True(t, s.Enqueue(mkTask("a", "h1", 5)))
	require.False(t, s.Enqueue(mkTask("b", "h1", 5)))
	require.Equal(t, []string{"a"}, admitted)
}

func TestReleaseAdmitsNextWaiting(t *testing.T) {
	var admitted []string
	s := NewScheduler(Caps{MaxConcurrent: 1}, func(tk *task.Task) { admitted = append(admitted, tk.ID) })

	s.Enqueue(mkTask("a", "h1", 5))
	s.Enqueue(mkTask("b", "h1", 5))
	require.Equal(t, []string{"a"}, admitted)

	s.Release("a")
	require.Equal(t, []string{"a", "b"}, admitted)
	require.True(t, s.IsAdmitted("b"))
	require.False(t, s.IsAdmitted("a"))
}

func TestWaitingListOrdersByPriorityThenCreation(t *testing.T) {
	s := NewScheduler(Caps{MaxConcurrent: 1}, func(*task.Task) {})

	// Fill the one slot, then queue three more that must come out in
	// priority order (lower number first), creation order breaking ties.
	s.Enqueue(mkTask("first", "h1", 5))
	s.Enqueue(mkTask("low-pri", "h1", 9))
	s.Enqueue(mkTask("high-pri", "h1", 1))
	s.Enqueue(mkTask("mid-pri", "h1", 5))

	var order []string
	s.Release("first")
	order = append(order, s.waitingIDs()...)
	require.Equal(t, []string{"mid-pri", "low-pri"}, order) // high-pri already admitted
}

// waitingIDs is a test-only helper exposing internal ordering.
func (s *Scheduler) waitingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.waiting))
	for _, e := range s.waiting {
		out = append(out, e.task.ID)
	}
	return out
}

func TestPerHostCapIndependentOfGlobal(t *testing.T) {
	var admitted []string
	s := NewScheduler(Caps{MaxConcurrentByHost: 1}, func(tk *task.Task) { admitted = append(admitted, tk.ID) })

	s.Enqueue(mkTask("a", "h1", 5))
	s.Enqueue(mkTask("b", "h2", 5)) // different host, admits immediately
	s.Enqueue(mkTask("c", "h1", 5)) // same host as a, waits

	require.ElementsMatch(t, []string{"a", "b"}, admitted)
	require.False(t, s.IsAdmitted("c"))
}

func TestCancelWaitingRemovesOnlyMatching(t *testing.T) {
	s := NewScheduler(Caps{MaxConcurrent: 1}, func(*task.Task) {})
	s.Enqueue(mkTask("a", "h1", 5))
	s.Enqueue(mkTask("b", "h1", 5))
	s.Enqueue(mkTask("c", "h1", 5))

	removed := s.CancelWaiting([]string{"b", "nonexistent"})
	require.Len(t, removed, 1)
	require.Equal(t, "b", removed[0].ID)
	require.ElementsMatch(t, []string{"c"}, s.waitingIDs())
}

func TestAllTasksUnionsWaitingAdmittedAndRetrying(t *testing.T) {
	s := NewScheduler(Caps{MaxConcurrent: 1}, func(*task.Task) {})
	s.Enqueue(mkTask("running", "h1", 5))
	s.Enqueue(mkTask("waiting", "h1", 5))
	retrying := mkTask("retrying", "h1", 5)
	s.TrackRetrying(retrying)

	without := s.AllTasks("", false)
	require.Len(t, without, 2)

	with := s.AllTasks("", true)
	require.Len(t, with, 3)
}

func TestSetWiFiPolicyReEnqueuesChangedWaitingTasks(t *testing.T) {
	wifiTask := mkTask("wifi-only", "h1", 5)
	wifiTask.RequiresWiFi = true

	// Global cap of 1 forces wifiTask to wait behind "blocker".
	s := NewScheduler(Caps{MaxConcurrent: 1}, func(*task.Task) {})
	s.Enqueue(mkTask("blocker", "h1", 5))
	s.Enqueue(wifiTask)

	transitions := s.SetWiFiPolicy(WiFiForNoTasks, false)
	require.Len(t, transitions, 1)
	require.Equal(t, "wifi-only", transitions[0].Task.ID)
	require.False(t, transitions[0].WasAdmitted)
	require.Empty(t, s.waitingIDs()) // removed, caller re-enqueues
}
