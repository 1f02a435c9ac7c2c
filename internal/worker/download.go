// Package worker implements the HTTP Worker (component C) and, in
// parallel.go, the Parallel Download Coordinator (component D).
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tachyonengine/internal/config"
	"tachyonengine/internal/task"
	"tachyonengine/internal/update"
)

const (
	streamBufferSize    = 32 * 1024
	progressMinInterval = 500 * time.Millisecond
	progressMinDelta    = 0.02
)

// Deps are the shared collaborators every worker run needs. A single
// Deps is constructed once by the engine facade and passed to every
// Run call.
type Deps struct {
	Client     *http.Client
	Bandwidth  *BandwidthManager
	Congestion *CongestionController
	Allocator  *Allocator
	Pipeline   *update.Pipeline
	Config     *config.Config
}

// Control carries the two distinct suspension signals a download honors
// (spec.md §4.2 cancellation vs. §4.5 pause): Cancel means delete the
// partial file (kept when the task is pause-capable) and emit canceled;
// Pause means keep it and emit paused
// with ResumeData. Both are receive-only — the caller closes them (or
// sends once) to request the corresponding suspension.
type Control struct {
	Cancel <-chan struct{}
	Pause  <-chan struct{}
}

// Outcome is what a worker run produced, for the caller (engine/retry
// controller) to act on.
type Outcome struct {
	Status     task.Status
	Err        *task.TaskError
	ResumeData *task.ResumeData // set when Status is Paused or WaitingToRetry-eligible
	FinalSize  int64

	// Response detail, populated by RunData (spec.md §3 DataTask) and by
	// the upload runners on a completed upload; downloads leave these zero.
	HTTPCode        int
	ResponseHeaders map[string]string
	ResponseBody    string
	MimeType        string
	Charset         string
}

// speedWindow tracks a trailing sample for instantaneous networkSpeed
// and timeRemaining (spec.md §4.2).
type speedWindow struct {
	lastTime  time.Time
	lastBytes int64
}

func (w *speedWindow) sample(nowBytes int64) (bytesPerSec float64) {
	now := time.Now()
	if w.lastTime.IsZero() {
		w.lastTime, w.lastBytes = now, nowBytes
		return 0
	}
	elapsed := now.Sub(w.lastTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(nowBytes-w.lastBytes) / elapsed
	w.lastTime, w.lastBytes = now, nowBytes
	return rate
}

// progressEmitter applies the rate-limit/delta gate of spec.md §4.2 so
// callers can just call maybeEmit on every chunk without duplicating the
// gating logic.
type progressEmitter struct {
	pipeline     *update.Pipeline
	t            *task.Task
	expectedSize int64
	window       speedWindow
	lastEmitAt   time.Time
	lastProgress float64
	emittedFirst bool
}

func newProgressEmitter(p *update.Pipeline, t *task.Task, expectedSize int64) *progressEmitter {
	return &progressEmitter{pipeline: p, t: t, expectedSize: expectedSize, lastProgress: -1}
}

func (e *progressEmitter) maybeEmit(transferred int64, force bool) {
	progress := 0.0
	if e.expectedSize > 0 {
		progress = float64(transferred) / float64(e.expectedSize)
	}
	now := time.Now()
	due := force || !e.emittedFirst ||
		(now.Sub(e.lastEmitAt) >= progressMinInterval && absFloat(progress-e.lastProgress) >= progressMinDelta)
	if !due {
		return
	}
	speed := e.window.sample(transferred)
	var remaining time.Duration
	if e.expectedSize > 0 && speed > 0 {
		remainingBytes := e.expectedSize - transferred
		remaining = time.Duration(float64(remainingBytes)/speed) * time.Second
	}
	e.pipeline.EmitProgress(e.t, progress, e.expectedSize, speed, int64(remaining))
	e.lastEmitAt, e.lastProgress, e.emittedFirst = now, progress, true
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// knownContentLength reads the task's Known-Content-Length hint header
// (spec.md §4.2), used only when the server omits Content-Length.
func knownContentLength(t *task.Task) int64 {
	v, ok := t.Headers.Get("Known-Content-Length")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// requestedRange parses a caller-supplied "Range: bytes=s-e" or
// "bytes=s-" header so expected size can be derived per spec.md §4.2.
func requestedRange(t *task.Task) (start, end int64, has bool) {
	v, ok := t.Headers.Get("Range")
	if !ok || !strings.HasPrefix(v, "bytes=") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(v, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		return s, -1, true
	}
	e, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return s, e, true
}

// RunDownload executes a DownloadTask (or a parallel-coordinator child
// chunk, which is just a DownloadTask with a pre-set Range header) to
// completion, pause, or failure. destPath is the final destination; a
// ".part" sibling is used as the temp file, atomically renamed on
// success (spec.md §4.2 "writes bytes to a temp file; atomically
// renames... only on complete").
func RunDownload(ctx context.Context, deps Deps, ctrl Control, t *task.Task, resume *task.ResumeData, destPath string) Outcome {
	cfg := deps.Config.Snapshot()

	start, end, hasRange := requestedRange(t)

	pr, perr := probe(ctx, deps.Client, t, knownContentLength(t))
	if perr != nil {
		if perr.IsNotFound() {
			return Outcome{Status: task.StatusNotFound, Err: perr}
		}
		return Outcome{Status: task.StatusFailed, Err: perr}
	}

	expectedSize := pr.Size
	if hasRange {
		if end >= 0 {
			expectedSize = end - start + 1
		} else {
			expectedSize = pr.Size - start
		}
	}

	if cfg.SkipExistingFiles {
		if _, err := os.Stat(destPath); err == nil {
			return Outcome{Status: task.StatusComplete, FinalSize: expectedSize}
		}
	}

	tempPath := destPath + ".part"

	resumable := t.AllowPause && pr.AcceptRanges &&
		((pr.ETag != "" && !pr.Weak) || (cfg.AllowWeakETag && (pr.ETag != "" || pr.LastModified != "")))
	var startByte int64
	if resume != nil {
		validator := pr.ETag
		if validator == "" {
			validator = pr.LastModified
		}
		if !resumable || resume.Validator != validator {
			return Outcome{Status: task.StatusFailed, Err: task.ResumeError("cannot resume: ETag not identical, or is weak")}
		}
		startByte = resume.RequiredStartByte
	} else if allocErr := deps.Allocator.AllocateFile(tempPath, expectedSize); allocErr != nil {
		return Outcome{Status: task.StatusFailed, Err: allocErr}
	}

	file, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return Outcome{Status: task.StatusFailed, Err: task.FilesystemError("failed to open temp file", err)}
	}
	defer file.Close()

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	req, rerr := newRequest(reqCtx, t)
	if rerr != nil {
		return Outcome{Status: task.StatusFailed, Err: asTaskError(rerr)}
	}
	rangeStart := start + startByte
	rangeEndStr := ""
	if hasRange && end >= 0 {
		rangeEndStr = strconv.FormatInt(end, 10)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%s", rangeStart, rangeEndStr))
	if resume != nil {
		if resume.Validator != "" {
			req.Header.Set("If-Range", resume.Validator)
		}
	}

	resp, derr := deps.Client.Do(req)
	if derr != nil {
		return Outcome{Status: task.StatusFailed, Err: task.ConnectionError(derr)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		te := task.HTTPError(resp.StatusCode, task.Friendly(task.HTTPError(resp.StatusCode, "")))
		if te.IsNotFound() {
			return Outcome{Status: task.StatusNotFound, Err: te}
		}
		return Outcome{Status: task.StatusFailed, Err: te}
	}

	emitter := newProgressEmitter(deps.Pipeline, t, expectedSize)
	emitter.maybeEmit(startByte, true) // mandatory first-byte emission

	writeOffset := startByte
	buf := make([]byte, streamBufferSize)
	for {
		select {
		case <-ctrl.Cancel:
			cancelReq()
			file.Close()
			if !t.AllowPause {
				os.Remove(tempPath)
			}
			deps.Pipeline.EmitProgress(t, task.ProgressCanceled, expectedSize, 0, 0)
			return Outcome{Status: task.StatusCanceled, Err: task.GeneralError("canceled by caller", nil)}
		case <-ctrl.Pause:
			cancelReq()
			if !t.AllowPause {
				file.Close()
				os.Remove(tempPath)
				return Outcome{Status: task.StatusFailed, Err: task.GeneralError("pause requested on a non-resumable task", nil)}
			}
			validator := pr.ETag
			if validator == "" {
				validator = pr.LastModified
			}
			return Outcome{Status: task.StatusPaused, ResumeData: &task.ResumeData{
				TaskID: t.ID, Data: tempPath, RequiredStartByte: writeOffset, Validator: validator,
			}, FinalSize: expectedSize}
		default:
		}

		if err := deps.Bandwidth.Wait(reqCtx, t.ID, streamBufferSize); err != nil {
			return interruptedOutcome(t, err, tempPath, writeOffset, pr, expectedSize, resumable)
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.WriteAt(buf[:n], writeOffset); werr != nil {
				return Outcome{Status: task.StatusFailed, Err: task.FilesystemError("write failed", werr)}
			}
			writeOffset += int64(n)
			emitter.maybeEmit(writeOffset, false)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return interruptedOutcome(t, readErr, tempPath, writeOffset, pr, expectedSize, resumable)
		}
	}

	if err := file.Close(); err != nil {
		return Outcome{Status: task.StatusFailed, Err: task.FilesystemError("failed to close temp file", err)}
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Outcome{Status: task.StatusFailed, Err: task.FilesystemError("failed to create destination directory", err)}
	}
	if err := os.Rename(tempPath, destPath); err != nil {
		return Outcome{Status: task.StatusFailed, Err: task.FilesystemError("failed to move completed file into place", err)}
	}
	deps.Pipeline.EmitProgress(t, task.ProgressComplete, expectedSize, 0, 0)
	return Outcome{Status: task.StatusComplete, FinalSize: expectedSize}
}

// interruptedOutcome decides whether a mid-stream error leaves a
// resumable checkpoint, using the resumability gate computed at entry.
func interruptedOutcome(t *task.Task, err error, tempPath string, writeOffset int64, pr *ProbeResult, expectedSize int64, resumable bool) Outcome {
	if resumable {
		validator := pr.ETag
		if validator == "" {
			validator = pr.LastModified
		}
		return Outcome{Status: task.StatusFailed, Err: task.ConnectionError(err), ResumeData: &task.ResumeData{
			TaskID: t.ID, Data: tempPath, RequiredStartByte: writeOffset, Validator: validator,
		}, FinalSize: expectedSize}
	}
	os.Remove(tempPath)
	return Outcome{Status: task.StatusFailed, Err: task.ConnectionError(err)}
}

func asTaskError(err error) *task.TaskError {
	if te, ok := err.(*task.TaskError); ok {
		return te
	}
	return task.GeneralError(err.Error(), err)
}
