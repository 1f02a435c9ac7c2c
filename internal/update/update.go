// Package update implements the Update Pipeline (component E): it
// produces, totally orders, filters, dispatches, and — when nobody is
// listening — persists the status/progress notifications the engine
// emits about a task (spec.md §4.4).
package update

import (
	"time"

	"tachyonengine/internal/task"
)

// StatusUpdate is one status notification (spec.md §4.4).
type StatusUpdate struct {
	TaskID          string
	Status          task.Status
	Exception       *task.TaskError
	ResponseCode    int
	ResponseHeaders map[string]string
	ResponseBody    string
	MimeType        string
	Charset         string
	Seq             int64
}

// ProgressUpdate is one progress notification (spec.md §4.4).
type ProgressUpdate struct {
	TaskID           string
	Progress         float64
	ExpectedFileSize int64
	NetworkSpeed     float64 // bytes/sec
	TimeRemaining    time.Duration
	Seq              int64
}

// Update envelopes either kind for the single-subscription-stream form
// of the client API (spec.md §6).
type Update struct {
	Status   *StatusUpdate
	Progress *ProgressUpdate
}

// Listener is the per-group callback form of the client API (spec.md §6).
type Listener interface {
	OnStatus(u StatusUpdate)
	OnProgress(u ProgressUpdate)
}

// ListenerFuncs adapts two plain functions into a Listener.
type ListenerFuncs struct {
	Status   func(StatusUpdate)
	Progress func(ProgressUpdate)
}

func (l ListenerFuncs) OnStatus(u StatusUpdate) {
	if l.Status != nil {
		l.Status(u)
	}
}

func (l ListenerFuncs) OnProgress(u ProgressUpdate) {
	if l.Progress != nil {
		l.Progress(u)
	}
}

// Store is the persistence surface the Pipeline needs from component A.
// internal/store.Store satisfies this.
type Store interface {
	SaveTaskRecord(rec task.TaskRecord) error
	GetTaskRecord(taskID string) (task.TaskRecord, bool, error)
	SaveUndeliveredStatus(taskID string, u StatusUpdate) error
	SaveUndeliveredProgress(taskID string, u ProgressUpdate) error
	PopUndeliveredStatus() (map[string]StatusUpdate, error)
	PopUndeliveredProgress() (map[string]ProgressUpdate, error)
	MarkModified(taskID string) error
}
