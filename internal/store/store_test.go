package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tachyonengine/internal/task"
	"tachyonengine/internal/update"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTaskRecordCRUD(t *testing.T) {
	s := openTestStore(t)

	tk := task.New("task-1", "https://example.com/file.bin")
	tk.Kind = task.KindDownload
	tk.Download = &task.DownloadSpec{}
	rec := task.TaskRecord{
		TaskID:           tk.ID,
		Task:             tk,
		Status:           task.StatusRunning,
		Progress:         0.5,
		ExpectedFileSize: 1000,
	}
	require.NoError(t, s.SaveTaskRecord(rec))

	got, ok, err := s.GetTaskRecord("task-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.StatusRunning, got.Status)
	require.Equal(t, 0.5, got.Progress)
	require.Equal(t, tk.URL, got.Task.URL)

	rec.Status = task.StatusFailed
	rec.Exception = task.GeneralError("boom", nil)
	require.NoError(t, s.SaveTaskRecord(rec))

	got, ok, err = s.GetTaskRecord("task-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Exception)
	require.Equal(t, "boom", got.Exception.Message)

	require.NoError(t, s.DeleteTaskRecord("task-1"))
	_, ok, err = s.GetTaskRecord("task-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAllTaskRecordsFiltersByGroup(t *testing.T) {
	s := openTestStore(t)

	mk := func(id, group string) task.TaskRecord {
		tk := task.New(id, "https://example.com/"+id)
		tk.Group = group
		tk.Kind = task.KindDownload
		tk.Download = &task.DownloadSpec{}
		return task.TaskRecord{TaskID: id, Task: tk, Status: task.StatusEnqueued}
	}
	require.NoError(t, s.SaveTaskRecord(mk("a", "g1")))
	require.NoError(t, s.SaveTaskRecord(mk("b", "g2")))

	all, err := s.AllTaskRecords("")
	require.NoError(t, err)
	require.Len(t, all, 2)

	g1, err := s.AllTaskRecords("g1")
	require.NoError(t, err)
	require.Len(t, g1, 1)
	require.Equal(t, "a", g1[0].TaskID)
}

func TestPausedAndResumeDataAreSeparateTables(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SavePausedTask(task.ResumeData{TaskID: "x", Data: "/tmp/x.part", RequiredStartByte: 10, Validator: "etag1"}))
	require.NoError(t, s.SaveResumeData(task.ResumeData{TaskID: "x", Data: "/tmp/x.part", RequiredStartByte: 20, Validator: "etag2"}))

	paused, ok, err := s.GetPausedTask("x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(10), paused.RequiredStartByte)

	resume, ok, err := s.GetResumeData("x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(20), resume.RequiredStartByte)

	require.NoError(t, s.DeletePausedTask("x"))
	_, ok, err = s.GetPausedTask("x")
	require.NoError(t, err)
	require.False(t, ok)

	// resume_data row survives the paused_tasks delete: distinct tables.
	_, ok, err = s.GetResumeData("x")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestModifiedVersionIncrements(t *testing.T) {
	s := openTestStore(t)

	v, err := s.ModifiedVersion("t1")
	require.NoError(t, err)
	require.Equal(t, int64(0), v)

	require.NoError(t, s.MarkModified("t1"))
	require.NoError(t, s.MarkModified("t1"))
	v, err = s.ModifiedVersion("t1")
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}

func TestUndeliveredUpdatesPopAtomically(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveUndeliveredStatus("t1", update.StatusUpdate{TaskID: "t1", Status: task.StatusComplete}))
	require.NoError(t, s.SaveUndeliveredProgress("t1", update.ProgressUpdate{TaskID: "t1", Progress: 1.0}))

	statuses, err := s.PopUndeliveredStatus()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, task.StatusComplete, statuses["t1"].Status)

	// A second pop finds nothing left.
	statuses, err = s.PopUndeliveredStatus()
	require.NoError(t, err)
	require.Empty(t, statuses)

	progress, err := s.PopUndeliveredProgress()
	require.NoError(t, err)
	require.Len(t, progress, 1)
	require.Equal(t, 1.0, progress["t1"].Progress)
}

func TestSanitizeKeyStripsUnsafeCharacters(t *testing.T) {
	require.Equal(t, "a_b_c", sanitizeKey(`a/b:c`))
	require.Equal(t, `abc`, sanitizeKey("abc"))
}

func TestSchemaVersionRejectsNewerDatabase(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.db.Model(&schemaMetadataModel{}).Where("id = ?", 1).Update("version", schemaVersion+1).Error)

	// Re-running migrate against the same db handle must now fail.
	err := s.migrate()
	require.Error(t, err)
}
