package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tachyonengine/internal/task"
	"tachyonengine/internal/update"
)

// schemaVersion is this build's schema version. Opening a store stamped
// with a higher version is fatal per spec.md §4.7 — an older binary must
// never silently run against a newer, possibly-incompatible layout.
const schemaVersion = 1

// Store is the Persistent Store, component A. It satisfies
// update.Store and additionally exposes the paused/resume/modified
// collections the retry and queue packages need.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) a sqlite-backed Store at path. Pass
// ":memory:" for an ephemeral in-process store (used by tests and by
// callers that opt out of durability).
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// migrate runs AutoMigrate and enforces the schema-version gate.
func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	var meta schemaMetadataModel
	err := s.db.First(&meta, "id = ?", 1).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return s.db.Create(&schemaMetadataModel{ID: 1, Version: schemaVersion}).Error
	case err != nil:
		return fmt.Errorf("store: read schema metadata: %w", err)
	case meta.Version > schemaVersion:
		return fmt.Errorf("store: database schema version %d is newer than this build supports (%d)", meta.Version, schemaVersion)
	case meta.Version < schemaVersion:
		// No migrations defined yet beyond version 1; future versions add
		// stepwise upgrades here.
		return s.db.Model(&meta).Update("version", schemaVersion).Error
	}
	return nil
}

// sanitizeKey applies spec.md §4.7's identifier-safety rule: any
// character that would be unsafe in a filename or storage key is
// replaced with "_". taskId is attacker-influenced in principle (it can
// be client-supplied), so this runs before the id is ever used to build
// a path or composite key.
func sanitizeKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, id)
}

// ---- TaskRecord ----

func (s *Store) SaveTaskRecord(rec task.TaskRecord) error {
	id := sanitizeKey(rec.TaskID)
	taskJSON, err := json.Marshal(rec.Task)
	if err != nil {
		return fmt.Errorf("store: marshal task: %w", err)
	}
	var excJSON string
	if rec.Exception != nil {
		b, err := json.Marshal(rec.Exception)
		if err != nil {
			return fmt.Errorf("store: marshal exception: %w", err)
		}
		excJSON = string(b)
	}
	m := taskRecordModel{
		TaskID:           id,
		TaskJSON:         string(taskJSON),
		Status:           string(rec.Status),
		Progress:         rec.Progress,
		ExpectedFileSize: rec.ExpectedFileSize,
		ExceptionJSON:    excJSON,
		UpdatedAt:        time.Now().UnixNano(),
	}
	return s.db.Save(&m).Error
}

func (s *Store) GetTaskRecord(taskID string) (task.TaskRecord, bool, error) {
	var m taskRecordModel
	err := s.db.First(&m, "task_id = ?", sanitizeKey(taskID)).Error
	if err == gorm.ErrRecordNotFound {
		return task.TaskRecord{}, false, nil
	}
	if err != nil {
		return task.TaskRecord{}, false, err
	}
	rec, err := decodeTaskRecord(m)
	return rec, true, err
}

// AllTaskRecords returns every tracked TaskRecord, optionally filtered to
// a group (spec.md §6 allTasks). Filtering by group requires decoding
// the embedded Task, since group is not itself a column.
func (s *Store) AllTaskRecords(group string) ([]task.TaskRecord, error) {
	var rows []taskRecordModel
	if err := s.db.Order("updated_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]task.TaskRecord, 0, len(rows))
	for _, m := range rows {
		rec, err := decodeTaskRecord(m)
		if err != nil {
			return nil, err
		}
		if group != "" && (rec.Task == nil || rec.Task.Group != group) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) DeleteTaskRecord(taskID string) error {
	return s.db.Delete(&taskRecordModel{}, "task_id = ?", sanitizeKey(taskID)).Error
}

func decodeTaskRecord(m taskRecordModel) (task.TaskRecord, error) {
	rec := task.TaskRecord{
		TaskID:           m.TaskID,
		Status:           task.Status(m.Status),
		Progress:         m.Progress,
		ExpectedFileSize: m.ExpectedFileSize,
	}
	if m.TaskJSON != "" {
		var t task.Task
		if err := json.Unmarshal([]byte(m.TaskJSON), &t); err != nil {
			return task.TaskRecord{}, fmt.Errorf("store: unmarshal task: %w", err)
		}
		rec.Task = &t
	}
	if m.ExceptionJSON != "" {
		var te task.TaskError
		if err := json.Unmarshal([]byte(m.ExceptionJSON), &te); err != nil {
			return task.TaskRecord{}, fmt.Errorf("store: unmarshal exception: %w", err)
		}
		rec.Exception = &te
	}
	return rec, nil
}

// ---- Paused tasks / resume data ----

func (s *Store) SavePausedTask(rd task.ResumeData) error {
	m := pausedTaskModel{
		TaskID:            sanitizeKey(rd.TaskID),
		Data:              rd.Data,
		RequiredStartByte: rd.RequiredStartByte,
		Validator:         rd.Validator,
	}
	return s.db.Save(&m).Error
}

func (s *Store) GetPausedTask(taskID string) (task.ResumeData, bool, error) {
	var m pausedTaskModel
	err := s.db.First(&m, "task_id = ?", sanitizeKey(taskID)).Error
	if err == gorm.ErrRecordNotFound {
		return task.ResumeData{}, false, nil
	}
	if err != nil {
		return task.ResumeData{}, false, err
	}
	return task.ResumeData{TaskID: m.TaskID, Data: m.Data, RequiredStartByte: m.RequiredStartByte, Validator: m.Validator}, true, nil
}

func (s *Store) DeletePausedTask(taskID string) error {
	return s.db.Delete(&pausedTaskModel{}, "task_id = ?", sanitizeKey(taskID)).Error
}

func (s *Store) AllPausedTasks() ([]task.ResumeData, error) {
	var rows []pausedTaskModel
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]task.ResumeData, 0, len(rows))
	for _, m := range rows {
		out = append(out, task.ResumeData{TaskID: m.TaskID, Data: m.Data, RequiredStartByte: m.RequiredStartByte, Validator: m.Validator})
	}
	return out, nil
}

// SaveResumeData / GetResumeData / DeleteResumeData mirror the paused-task
// trio for the retry-controller's distinct resume_data table (spec.md
// §4.5): a task waiting to retry persists its resume point here, not in
// paused_tasks, so a concurrent user-pause and an in-flight retry wait
// never collide on the same row.
func (s *Store) SaveResumeData(rd task.ResumeData) error {
	m := resumeDataModel{
		TaskID:            sanitizeKey(rd.TaskID),
		Data:              rd.Data,
		RequiredStartByte: rd.RequiredStartByte,
		Validator:         rd.Validator,
	}
	return s.db.Save(&m).Error
}

func (s *Store) GetResumeData(taskID string) (task.ResumeData, bool, error) {
	var m resumeDataModel
	err := s.db.First(&m, "task_id = ?", sanitizeKey(taskID)).Error
	if err == gorm.ErrRecordNotFound {
		return task.ResumeData{}, false, nil
	}
	if err != nil {
		return task.ResumeData{}, false, err
	}
	return task.ResumeData{TaskID: m.TaskID, Data: m.Data, RequiredStartByte: m.RequiredStartByte, Validator: m.Validator}, true, nil
}

func (s *Store) DeleteResumeData(taskID string) error {
	return s.db.Delete(&resumeDataModel{}, "task_id = ?", sanitizeKey(taskID)).Error
}

// ---- Modified-task write-ahead marker ----

// MarkModified bumps the version marker for taskId, called on every
// status/progress/pause/resume mutation so a later allTasks()-style scan
// can tell which tasks changed since it last looked (spec.md §3).
func (s *Store) MarkModified(taskID string) error {
	id := sanitizeKey(taskID)
	var m modifiedTaskModel
	err := s.db.First(&m, "task_id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return s.db.Create(&modifiedTaskModel{TaskID: id, Version: 1}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&m).Update("version", m.Version+1).Error
}

func (s *Store) ModifiedVersion(taskID string) (int64, error) {
	var m modifiedTaskModel
	err := s.db.First(&m, "task_id = ?", sanitizeKey(taskID)).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	return m.Version, err
}

// ---- Undelivered updates ----

func (s *Store) SaveUndeliveredStatus(taskID string, u update.StatusUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	m := undeliveredStatusModel{TaskID: sanitizeKey(taskID), JSON: string(b)}
	return s.db.Save(&m).Error
}

func (s *Store) SaveUndeliveredProgress(taskID string, u update.ProgressUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	m := undeliveredProgressModel{TaskID: sanitizeKey(taskID), JSON: string(b)}
	return s.db.Save(&m).Error
}

// PopUndeliveredStatus atomically drains every undelivered status update
// (spec.md §6 popUndeliveredData): read all, delete all, in one
// transaction so a crash mid-pop can't both deliver and retain a row.
func (s *Store) PopUndeliveredStatus() (map[string]update.StatusUpdate, error) {
	out := make(map[string]update.StatusUpdate)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rows []undeliveredStatusModel
		if err := tx.Find(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			var u update.StatusUpdate
			if err := json.Unmarshal([]byte(r.JSON), &u); err != nil {
				return err
			}
			out[r.TaskID] = u
		}
		return tx.Where("1 = 1").Delete(&undeliveredStatusModel{}).Error
	})
	return out, err
}

func (s *Store) PopUndeliveredProgress() (map[string]update.ProgressUpdate, error) {
	out := make(map[string]update.ProgressUpdate)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rows []undeliveredProgressModel
		if err := tx.Find(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			var u update.ProgressUpdate
			if err := json.Unmarshal([]byte(r.JSON), &u); err != nil {
				return err
			}
			out[r.TaskID] = u
		}
		return tx.Where("1 = 1").Delete(&undeliveredProgressModel{}).Error
	})
	return out, err
}
