// Package store implements the Persistent Store (component A): the
// gorm-backed collections spec.md §4.7 names, plus the schema-version
// migration gate and the identifier-safety rule every taskId-derived key
// passes through before it touches a column or filename.
package store

// taskRecordModel is the durable row for a tracked-group task's last
// known status (spec.md §4.4), grounded on the teacher's DownloadTask
// row (internal/storage/models.go) but generalized beyond downloads:
// the full Task and TaskError are JSON blobs rather than bespoke columns,
// since a row must now represent seven different task variants.
type taskRecordModel struct {
	TaskID           string `gorm:"primaryKey"`
	TaskJSON         string // JSON-encoded *task.Task
	Status           string
	Progress         float64
	ExpectedFileSize int64
	ExceptionJSON    string // JSON-encoded *task.TaskError, empty if none
	UpdatedAt        int64  // unix nanos, used to order allTasks()
}

func (taskRecordModel) TableName() string { return "task_records" }

// pausedTaskModel and resumeDataModel share task.ResumeData's shape but
// live in distinct tables per spec.md §4.7: paused_tasks holds the data
// for a user-initiated pause, resume_data for a retry-induced one. The
// two tables are independent, so both may hold a row for the same taskId.
type pausedTaskModel struct {
	TaskID            string `gorm:"primaryKey"`
	Data              string
	RequiredStartByte int64
	Validator         string
}

func (pausedTaskModel) TableName() string { return "paused_tasks" }

type resumeDataModel struct {
	TaskID            string `gorm:"primaryKey"`
	Data              string
	RequiredStartByte int64
	Validator         string
}

func (resumeDataModel) TableName() string { return "resume_data" }

// modifiedTaskModel is a write-ahead marker bumped on every mutation to a
// live task; Store.ModifiedVersion reads it back. Neither allTasks() nor
// startup recovery consults it.
type modifiedTaskModel struct {
	TaskID  string `gorm:"primaryKey"`
	Version int64
}

func (modifiedTaskModel) TableName() string { return "modified_tasks" }

// undeliveredStatusModel / undeliveredProgressModel hold JSON-serialized
// updates that had no listener at emission time (spec.md §4.4,
// popUndeliveredData in §6).
type undeliveredStatusModel struct {
	TaskID string `gorm:"primaryKey"`
	JSON   string
}

func (undeliveredStatusModel) TableName() string { return "undelivered_status_updates" }

type undeliveredProgressModel struct {
	TaskID string `gorm:"primaryKey"`
	JSON   string
}

func (undeliveredProgressModel) TableName() string { return "undelivered_progress_updates" }

// schemaMetadataModel is the single-row version marker migrated at
// startup, the way the teacher's storage package runs AutoMigrate
// unconditionally in NewStorage — here gated by a version check per
// spec.md §4.7 ("opening a store written by a newer version is fatal").
type schemaMetadataModel struct {
	ID      uint `gorm:"primaryKey"`
	Version int
}

func (schemaMetadataModel) TableName() string { return "schema_metadata" }

func allModels() []any {
	return []any{
		&taskRecordModel{},
		&pausedTaskModel{},
		&resumeDataModel{},
		&modifiedTaskModel{},
		&undeliveredStatusModel{},
		&undeliveredProgressModel{},
		&schemaMetadataModel{},
	}
}
