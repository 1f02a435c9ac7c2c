package task

// TaskRecord is the durable summary of a task's last known status,
// persisted for every *tracked* group (spec.md §3, §4.4). It is kept in
// the task package — not store — because it is a data-model concept the
// store package merely serializes.
type TaskRecord struct {
	TaskID           string
	Task             *Task
	Status           Status
	Progress         float64
	ExpectedFileSize int64
	Exception        *TaskError
}

// ResumeData is the triple the Retry & Pause Controller needs to
// continue a partial download (spec.md §3).
type ResumeData struct {
	TaskID            string
	Data              string // temp-file path
	RequiredStartByte int64
	Validator         string // strong ETag, or Last-Modified when AllowWeakETag
}
