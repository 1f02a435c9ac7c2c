package worker

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tachyonengine/internal/queue"
	"tachyonengine/internal/task"
	"tachyonengine/internal/update"
)

// chunkGroupPrefix marks the reserved group synthetic child tasks are
// enqueued under (spec.md §4.3 "a synthetic taskId in a reserved
// group"), kept out of the caller's own group namespace.
const chunkGroupPrefix = "__parallel_chunk__:"

// IsChunkGroup reports whether group belongs to a parallel-download
// child, so the engine's scheduler-admission callback can route it to
// Coordinator.NotifyAdmitted instead of its normal start-worker path.
func IsChunkGroup(group string) bool {
	return len(group) >= len(chunkGroupPrefix) && group[:len(chunkGroupPrefix)] == chunkGroupPrefix
}

// Coordinator runs a ParallelDownloadTask (spec.md §4.3): it probes the
// total length, partitions the byte range into child DownloadTasks,
// submits each through the shared Holding Queue so admission control
// governs them exactly like any other task, and aggregates child
// progress/status back onto the parent. Children reference their
// coordinator through a registry keyed by a synthetic taskId rather than
// an owning pointer back to the parent, so parent and child never form a
// reference cycle (spec.md §9 cyclic-relations note).
type Coordinator struct {
	deps      Deps
	scheduler *queue.Scheduler

	mu       sync.Mutex
	byParent map[string]*parallelRun
	pending  map[string]chan struct{} // childTaskID -> channel closed on admission
}

func NewCoordinator(deps Deps, scheduler *queue.Scheduler) *Coordinator {
	return &Coordinator{
		deps:      deps,
		scheduler: scheduler,
		byParent:  make(map[string]*parallelRun),
		pending:   make(map[string]chan struct{}),
	}
}

// NotifyAdmitted is the scheduler's onAdmit hook for any task whose
// group is a chunk group; the engine's composed admission callback
// dispatches here for those, and to its own worker-start path otherwise.
func (c *Coordinator) NotifyAdmitted(t *task.Task) {
	c.mu.Lock()
	ch, ok := c.pending[t.ID]
	if ok {
		delete(c.pending, t.ID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Coordinator) registerPending(id string) chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

type childState struct {
	task     *task.Task
	tempPath string
	status   task.Status
	progress float64 // last ProgressUpdate.Progress seen for this child, in [0,1]
}

type parallelRun struct {
	mu           sync.Mutex
	parent       *task.Task
	children     []*childState
	done         chan struct{}
	cancelSignal chan struct{}
	cancelOnce   sync.Once
	runErr       *task.TaskError
}

// Run executes ParallelDownloadTask t to completion, propagating pause
// and cancel signals to every live child.
func (c *Coordinator) Run(ctx context.Context, ctrl Control, t *task.Task, destPath string) Outcome {
	pr, perr := probe(ctx, c.deps.Client, t, 0)
	if perr != nil {
		return Outcome{Status: task.StatusFailed, Err: perr}
	}
	if pr.Size <= 0 {
		return Outcome{Status: task.StatusFailed, Err: task.GeneralError("cannot determine total content length for parallel download", nil)}
	}
	if !pr.AcceptRanges {
		return Outcome{Status: task.StatusFailed, Err: task.GeneralError("server does not support byte ranges; parallel download requires Accept-Ranges", nil)}
	}

	ranges := partition(pr.Size, t.ParallelDownload.Chunks)
	mirrors := t.ParallelDownload.MirrorURLs

	run := &parallelRun{parent: t, done: make(chan struct{}), cancelSignal: make(chan struct{})}
	for i, rng := range ranges {
		childURL := t.URL
		if len(mirrors) > 0 {
			childURL = mirrors[i%len(mirrors)]
		}
		child := task.New(fmt.Sprintf("%s#chunk%d", t.ID, i), childURL)
		child.Method = t.Method
		child.Headers = cloneHeaders(t.Headers)
		child.Headers.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.lo, rng.hi))
		child.Body = t.Body
		child.Group = chunkGroupPrefix + t.ID
		child.Updates = task.UpdatesStatusAndProgress
		child.Retries = t.Retries
		child.RetriesRemain = t.Retries
		child.RequiresWiFi = t.RequiresWiFi
		child.AllowPause = t.AllowPause
		child.Priority = t.Priority
		child.Kind = task.KindDownload
		child.Download = &task.DownloadSpec{}

		run.children = append(run.children, &childState{task: child, status: task.StatusEnqueued})
	}

	c.mu.Lock()
	c.byParent[t.ID] = run
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.byParent, t.ID)
		c.mu.Unlock()
	}()

	// Every child shares the t.ID chunk group, so one listener on that
	// group sees every child's in-flight progress stream (spec.md §4.3
	// step 4: parent progress is the mean of chunk progresses, a
	// continuous quantity — not just which chunks have fully finished).
	detach := c.deps.Pipeline.AddListener(chunkGroupPrefix+t.ID, update.ListenerFuncs{
		Progress: func(u update.ProgressUpdate) { c.onChildProgress(run, u) },
	})
	defer detach()

	tempDir, err := os.MkdirTemp(filepath.Dir(destPath), ".parallel-*")
	if err != nil {
		return Outcome{Status: task.StatusFailed, Err: task.FilesystemError("failed to create chunk staging directory", err)}
	}
	defer os.RemoveAll(tempDir)

	host := hostOf(t.URL)
	sem := make(chan struct{}, concurrencyLimit(c.deps.Congestion, host, len(run.children)))

	var wg sync.WaitGroup
	for idx, cs := range run.children {
		cs.tempPath = filepath.Join(tempDir, fmt.Sprintf("chunk-%d", idx))
		wg.Add(1)
		go c.runChild(ctx, run, cs, host, sem, &wg)
	}
	go func() {
		wg.Wait()
		close(run.done)
	}()

	select {
	case <-run.done:
	case <-ctrl.Cancel:
		run.cancelOnce.Do(func() { close(run.cancelSignal) })
		<-run.done
		c.deps.Pipeline.EmitProgress(t, task.ProgressCanceled, pr.Size, 0, 0)
		return Outcome{Status: task.StatusCanceled, Err: task.GeneralError("canceled by caller", nil)}
	case <-ctrl.Pause:
		// Pause has no separate wire signal at the chunk level: a paused
		// chunk is one whose stream stopped with a resumable checkpoint,
		// which is exactly what the shared cancelSignal plus AllowPause
		// already produces in RunDownload.
		run.cancelOnce.Do(func() { close(run.cancelSignal) })
		<-run.done
		return c.pauseOutcome(run, pr.Size)
	}

	run.mu.Lock()
	statuses := make([]task.Status, len(run.children))
	for i, cs := range run.children {
		statuses[i] = cs.status
	}
	finalStatus := task.LowestRanking(statuses)
	runErr := run.runErr
	run.mu.Unlock()

	if finalStatus != task.StatusComplete {
		if runErr == nil {
			runErr = task.GeneralError("one or more chunks failed", nil)
		}
		return Outcome{Status: finalStatus, Err: runErr}
	}

	if err := concatenateChunks(run, destPath); err != nil {
		return Outcome{Status: task.StatusFailed, Err: task.FilesystemError("failed to assemble downloaded chunks", err)}
	}
	c.deps.Pipeline.EmitProgress(t, task.ProgressComplete, pr.Size, 0, 0)
	return Outcome{Status: task.StatusComplete, FinalSize: pr.Size}
}

// runChild admits and drives one chunk's DownloadTask to its own temp
// file, routed through the shared Holding Queue exactly as a standalone
// DownloadTask would be, then records its terminal state on the shared
// parallelRun. sem additionally caps how many chunks race against the
// same host concurrently, sized from the host's current AIMD target
// (spec.md §4.3 congestion-aware concurrency, ported from the teacher's
// internal/core/congestion.go target onto the chunk fan-out).
func (c *Coordinator) runChild(ctx context.Context, run *parallelRun, cs *childState, host string, sem chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		run.mu.Lock()
		cs.status = task.StatusCanceled
		run.mu.Unlock()
		return
	}
	defer func() { <-sem }()

	if c.scheduler != nil {
		admitted := c.registerPending(cs.task.ID)
		c.scheduler.Enqueue(cs.task)
		select {
		case <-admitted:
		case <-ctx.Done():
			run.mu.Lock()
			cs.status = task.StatusCanceled
			run.mu.Unlock()
			return
		}
		defer c.scheduler.Release(cs.task.ID)
	}

	neverPause := make(chan struct{})
	start := time.Now()
	out := RunDownload(ctx, c.deps, Control{Cancel: run.cancelSignal, Pause: neverPause}, cs.task, nil, cs.tempPath)
	if c.deps.Congestion != nil {
		var outcomeErr error
		if out.Err != nil {
			outcomeErr = out.Err
		}
		c.deps.Congestion.RecordOutcome(host, time.Since(start), outcomeErr)
	}

	run.mu.Lock()
	cs.status = out.Status
	if out.Status == task.StatusFailed && run.runErr == nil {
		run.runErr = out.Err
	}
	run.mu.Unlock()

	c.reportAggregateProgress(run)
}

// concurrencyLimit sizes the chunk fan-out semaphore from the host's
// current AIMD target, never exceeding the chunk count itself or
// dropping below 1.
func concurrencyLimit(cc *CongestionController, host string, chunks int) int {
	limit := chunks
	if cc != nil {
		if ideal := cc.IdealConcurrency(host); ideal > 0 && ideal < limit {
			limit = ideal
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// onChildProgress updates one child's last-known continuous progress
// from its own ProgressUpdate stream and re-emits the parent's
// aggregate. u.TaskID identifies the child by the synthetic
// "<parentId>#chunk<n>" id assigned in Run. Sentinel values (paused,
// canceled, waitingToRetry — all negative per task.SentinelProgress)
// are not a byte-progress measurement and are left out of the average;
// the child's real in-flight progress stands until it has another one.
func (c *Coordinator) onChildProgress(run *parallelRun, u update.ProgressUpdate) {
	if u.Progress < 0 {
		return
	}
	run.mu.Lock()
	for _, cs := range run.children {
		if cs.task.ID == u.TaskID {
			cs.progress = u.Progress
			break
		}
	}
	run.mu.Unlock()
	c.reportAggregateProgress(run)
}

// reportAggregateProgress emits parent progress as the mean of every
// child's last-known continuous progress (spec.md §4.3 step 4), not a
// complete/incomplete tally — a chunk sitting at 90% must move the
// parent's progress even though it hasn't finished yet.
func (c *Coordinator) reportAggregateProgress(run *parallelRun) {
	run.mu.Lock()
	var sum float64
	for _, cs := range run.children {
		p := cs.progress
		if cs.status == task.StatusComplete {
			p = 1.0
		}
		sum += p
	}
	mean := sum / float64(len(run.children))
	parent := run.parent
	run.mu.Unlock()
	c.deps.Pipeline.EmitProgress(parent, mean, 0, 0, 0)
}

// pauseOutcome produces the parent's outcome once every child has
// either completed or paused with its own resumable checkpoint, so a
// later resume can re-launch exactly the unfinished byte ranges.
func (c *Coordinator) pauseOutcome(run *parallelRun, totalSize int64) Outcome {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, cs := range run.children {
		if cs.status != task.StatusPaused && cs.status != task.StatusComplete {
			return Outcome{Status: task.StatusFailed, Err: task.GeneralError("parallel download could not pause cleanly", nil)}
		}
	}
	c.deps.Pipeline.EmitProgress(run.parent, task.ProgressPaused, totalSize, 0, 0)
	return Outcome{Status: task.StatusPaused, ResumeData: &task.ResumeData{TaskID: run.parent.ID}}
}

// hostOf extracts the host component for congestion-controller bucketing.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

type byteRange struct{ lo, hi int64 }

// partition splits [0, total) into n contiguous inclusive ranges, the
// last absorbing any remainder.
func partition(total int64, n int) []byteRange {
	if n < 1 {
		n = 1
	}
	size := total / int64(n)
	if size < 1 {
		size = 1
		n = int(total)
	}
	ranges := make([]byteRange, 0, n)
	var lo int64
	for i := 0; i < n; i++ {
		hi := lo + size - 1
		if i == n-1 {
			hi = total - 1
		}
		ranges = append(ranges, byteRange{lo: lo, hi: hi})
		lo = hi + 1
	}
	return ranges
}

func cloneHeaders(h *task.Headers) *task.Headers {
	out := task.NewHeaders()
	for _, kv := range h.Ordered() {
		out.Set(kv[0], kv[1])
	}
	return out
}

// concatenateChunks appends every child's temp file, in range order,
// into destPath (spec.md §4.3 step 5).
func concatenateChunks(run *parallelRun, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	for _, cs := range run.children {
		in, err := os.Open(cs.tempPath)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
