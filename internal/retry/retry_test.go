package retry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tachyonengine/internal/task"
)

type memStore struct {
	mu     sync.Mutex
	paused map[string]task.ResumeData
	resume map[string]task.ResumeData
}

func newMemStore() *memStore {
	return &memStore{paused: map[string]task.ResumeData{}, resume: map[string]task.ResumeData{}}
}

func (m *memStore) SavePausedTask(rd task.ResumeData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[rd.TaskID] = rd
	return nil
}
func (m *memStore) GetPausedTask(id string) (task.ResumeData, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rd, ok := m.paused[id]
	return rd, ok, nil
}
func (m *memStore) DeletePausedTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, id)
	return nil
}
func (m *memStore) SaveResumeData(rd task.ResumeData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resume[rd.TaskID] = rd
	return nil
}
func (m *memStore) GetResumeData(id string) (task.ResumeData, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rd, ok := m.resume[id]
	return rd, ok, nil
}
func (m *memStore) DeleteResumeData(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resume, id)
	return nil
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked map[string]bool
}

func newFakeTracker() *fakeTracker { return &fakeTracker{tracked: map[string]bool{}} }
func (f *fakeTracker) TrackRetrying(t *task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[t.ID] = true
}
func (f *fakeTracker) UntrackRetrying(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tracked, id)
}

func mkTask(id string, retries int) *task.Task {
	t := task.New(id, "https://example.com/f")
	t.Retries = retries
	t.RetriesRemain = retries
	t.Kind = task.KindDownload
	t.Download = &task.DownloadSpec{}
	return t
}

func TestHandleFailureReturnsFalseWhenExhausted(t *testing.T) {
	c := NewController(newMemStore(), newFakeTracker())
	tk := mkTask("t1", 0)
	require.False(t, c.HandleFailure(tk, nil, nil, nil))
}

func TestHandleFailureReEntersAfterBackoff(t *testing.T) {
	store := newMemStore()
	tracker := newFakeTracker()
	c := NewController(store, tracker)
	tk := mkTask("t1", 1)

	reentered := make(chan *task.Task, 1)
	ok := c.HandleFailure(tk, &task.ResumeData{TaskID: "t1", RequiredStartByte: 100, Validator: "etag"}, func(t *task.Task, rd *task.ResumeData) {
		reentered <- t
		require.NotNil(t, rd)
	}, nil)
	require.True(t, ok)
	require.Equal(t, 0, tk.RetriesRemain)

	select {
	case got := <-reentered:
		require.Equal(t, "t1", got.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for re-entry")
	}
	// resume data consumed on re-entry
	_, found, _ := store.GetResumeData("t1")
	require.False(t, found)
}

func TestCancelDuringWaitFiresOnCanceledNotReEnter(t *testing.T) {
	c := NewController(newMemStore(), newFakeTracker())
	tk := mkTask("t1", 3) // first backoff is 1<<0 = 1s, plenty of time to cancel first

	canceledCh := make(chan *task.Task, 1)
	reenterCh := make(chan *task.Task, 1)
	ok := c.HandleFailure(tk, nil,
		func(t *task.Task, rd *task.ResumeData) { reenterCh <- t },
		func(t *task.Task) { canceledCh <- t },
	)
	require.True(t, ok)
	require.True(t, c.Cancel("t1"))

	select {
	case got := <-canceledCh:
		require.Equal(t, "t1", got.ID)
	case <-reenterCh:
		t.Fatal("onReEnter fired instead of onCanceled")
	case <-time.After(1 * time.Second):
		t.Fatal("neither callback fired")
	}
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	c := NewController(newMemStore(), newFakeTracker())
	rd := task.ResumeData{TaskID: "t1", Data: "/tmp/t1.part", RequiredStartByte: 42, Validator: "etag"}
	require.NoError(t, c.Pause(rd))

	got, ok, err := c.Resume("t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), got.RequiredStartByte)

	_, ok, err = c.Resume("t1")
	require.NoError(t, err)
	require.False(t, ok)
}
