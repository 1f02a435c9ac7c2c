package worker

import (
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"tachyonengine/internal/task"
)

// diskSpaceBuffer is the safety margin left free after allocation, the
// same 100MB cushion the teacher's allocator reserves.
const diskSpaceBuffer = 100 * 1024 * 1024

// Allocator runs the disk-space preflight and pre-allocates destination
// files, ported from internal/filesystem/allocator.go. RunDownload calls
// it for its temp file; uploads do not go through it.
type Allocator struct{}

func NewAllocator() *Allocator { return &Allocator{} }

// AllocateFile checks free space and truncates path to size, reserving
// the blocks up front so a later write never fails on disk space
// exhaustion mid-transfer.
func (a *Allocator) AllocateFile(path string, size int64) *task.TaskError {
	if err := a.checkDiskSpace(path, size); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return task.FilesystemError("failed to create destination directory", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return task.FilesystemError("failed to open destination file", err)
	}
	defer f.Close()
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			return task.FilesystemError("failed to pre-allocate destination file", err)
		}
	}
	return nil
}

func (a *Allocator) checkDiskSpace(path string, required int64) *task.TaskError {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return task.FilesystemError("failed to create destination directory", err)
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return task.FilesystemError("failed to check disk space", err)
	}
	if int64(usage.Free) < required+diskSpaceBuffer {
		return task.FilesystemError("insufficient disk space for this transfer", nil)
	}
	return nil
}
