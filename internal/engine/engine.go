// Package engine implements the client-API facade of spec.md §6: it
// wires the task registry (B), update pipeline (E), persistent store
// (A), holding queue (G), retry controller (F), and HTTP workers (C/D)
// into the single handle a caller drives. Grounded on the teacher's
// TachyonEngine (internal/core/engine.go) — NewEngine's transport
// construction, Shutdown's drain loop, and RecoverInterruptedDownloads'
// startup sweep are kept in spirit; the Wails-bound lifecycle methods
// (SetContext, event emission) have no place in a library with no GUI
// and are replaced by the plain Go client API below.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tachyonengine/internal/config"
	"tachyonengine/internal/queue"
	"tachyonengine/internal/retry"
	"tachyonengine/internal/store"
	"tachyonengine/internal/task"
	"tachyonengine/internal/update"
	"tachyonengine/internal/worker"
)

// liveRun is the suspension-signal pair a running worker listens on,
// plus the guards needed so Pause/Cancel can be called more than once
// (or racing each other) without a double-close panic.
type liveRun struct {
	cancel     chan struct{}
	pause      chan struct{}
	cancelOnce sync.Once
	pauseOnce  sync.Once
}

func newLiveRun() *liveRun {
	return &liveRun{cancel: make(chan struct{}), pause: make(chan struct{})}
}

func (r *liveRun) signalCancel() { r.cancelOnce.Do(func() { close(r.cancel) }) }
func (r *liveRun) signalPause()  { r.pauseOnce.Do(func() { close(r.pause) }) }

// Engine is the Go type implementing spec.md §6's client API.
type Engine struct {
	logger *slog.Logger
	cfg    *config.Config

	registry  *task.Registry
	pipeline  *update.Pipeline
	store     *store.Store
	scheduler *queue.Scheduler
	retryCtl  *retry.Controller
	deps      worker.Deps
	coord     *worker.Coordinator

	mu       sync.Mutex
	running  map[string]*liveRun
	onResume map[string]*task.ResumeData // taskId -> resume point for the next admission
}

// New opens storePath (":memory:" for an ephemeral store) and wires
// every component per SPEC_FULL.md §2's package mapping. cfg may be nil
// to use config.New()'s defaults.
func New(logger *slog.Logger, storePath string, cfg *config.Config) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.New()
	}

	st, err := store.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	e := &Engine{
		logger:   logger,
		cfg:      cfg,
		registry: task.NewRegistry(),
		pipeline: update.NewPipeline(st),
		store:    st,
		running:  make(map[string]*liveRun),
		onResume: make(map[string]*task.ResumeData),
	}

	e.deps = worker.Deps{
		Client:     newHTTPClient(cfg.Snapshot()),
		Bandwidth:  worker.NewBandwidthManager(),
		Congestion: worker.NewCongestionController(1, 32),
		Allocator:  worker.NewAllocator(),
		Pipeline:   e.pipeline,
		Config:     cfg,
	}

	snap := cfg.Snapshot()
	e.scheduler = queue.NewScheduler(snap.HoldingQueueCaps, e.onAdmit)
	e.coord = worker.NewCoordinator(e.deps, e.scheduler)
	e.retryCtl = retry.NewController(st, e.scheduler)

	e.recoverInterrupted()
	return e, nil
}

// onAdmit is the scheduler's single admission callback: a chunk-group
// child is routed to the Parallel Download Coordinator, everything else
// starts as an ordinary worker run, picking up any resume point left for
// it by a prior pause or retry backoff.
func (e *Engine) onAdmit(t *task.Task) {
	if worker.IsChunkGroup(t.Group) {
		e.coord.NotifyAdmitted(t)
		return
	}
	e.mu.Lock()
	rd := e.onResume[t.ID]
	delete(e.onResume, t.ID)
	e.mu.Unlock()
	e.start(t, rd)
}

// Close shuts down the update pipeline and closes the store. It does
// not cancel in-flight tasks — call Reset("") first if a full drain is
// wanted, mirroring the teacher's Shutdown two-phase approach.
func (e *Engine) Close() error {
	e.pipeline.Close()
	return e.store.Close()
}

// recoverInterrupted mirrors the teacher's RecoverInterruptedDownloads:
// any tracked-group task whose last persisted status is non-terminal
// (the process died mid-run) is moved to paused so a client can resume
// it explicitly rather than silently resuming unattended at startup.
func (e *Engine) recoverInterrupted() {
	recs, err := e.store.AllTaskRecords("")
	if err != nil {
		e.logger.Error("engine: failed to scan task records during recovery", "error", err)
		return
	}
	for _, rec := range recs {
		if rec.Task == nil || rec.Status.Terminal() || rec.Status == task.StatusPaused {
			continue
		}
		rd := task.ResumeData{TaskID: rec.TaskID}
		if err := e.retryCtl.Pause(rd); err != nil {
			e.logger.Error("engine: failed to persist recovery pause", "id", rec.TaskID, "error", err)
			continue
		}
		rec.Status = task.StatusPaused
		rec.Progress = task.ProgressPaused
		if err := e.store.SaveTaskRecord(rec); err != nil {
			e.logger.Error("engine: failed to save recovered task record", "id", rec.TaskID, "error", err)
			continue
		}
		e.logger.Info("engine: recovered interrupted task", "id", rec.TaskID)
	}
}

// Enqueue admits one task (spec.md §6 enqueue(task) → bool): it assigns
// a generated id if the caller left one blank (teacher's
// uuid.New().String() in StartDownload), validates, registers it in the
// live registry, emits the initial `enqueued` status, and submits it to
// the holding queue. Returns false without creating a task if validation
// or id registration fails; true thereafter regardless of whether the
// scheduler admits it immediately or the task waits.
func (e *Engine) Enqueue(t *task.Task) bool {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.RetriesRemain == 0 && t.Retries > 0 {
		t.RetriesRemain = t.Retries
	}
	if err := t.Validate(); err != nil {
		e.logger.Warn("engine: rejected invalid task", "id", t.ID, "error", err)
		return false
	}
	if !e.registry.Add(t) {
		e.logger.Warn("engine: rejected duplicate task id", "id", t.ID)
		return false
	}

	e.pipeline.EmitStatus(t, task.StatusEnqueued, nil, 0, nil, "", "", "")
	e.scheduler.Enqueue(t)
	return true
}

// TrackGroup opts group into TaskRecord persistence (spec.md §4.4 "for a
// tracked group, opted in by the client"; glossary "Tracked group").
// Tracking is off by default — Enqueue never tracks a group on its own —
// so a caller that never wants durable TaskRecords pays no storage cost
// for it.
func (e *Engine) TrackGroup(group string) {
	e.pipeline.TrackGroup(group)
}

// EnqueueAll batch-admits tasks (spec.md §6 enqueueAll), each task's
// success independent of the others.
func (e *Engine) EnqueueAll(tasks []*task.Task) []bool {
	out := make([]bool, len(tasks))
	for i, t := range tasks {
		out[i] = e.Enqueue(t)
	}
	return out
}

// start runs an admitted task on its own goroutine (spec.md §5
// "parallel workers... each HTTP task runs on its own logical task").
// resume carries continuation data from a retry backoff or an explicit
// Resume call; nil for a fresh run.
func (e *Engine) start(t *task.Task, resume *task.ResumeData) {
	run := newLiveRun()
	e.mu.Lock()
	e.running[t.ID] = run
	e.mu.Unlock()

	e.pipeline.EmitStatus(t, task.StatusRunning, nil, 0, nil, "", "", "")
	go e.execute(t, resume, run)
}

// execute runs t to a terminal or suspended outcome, then routes that
// outcome through the retry controller, scheduler release, and registry
// cleanup — the single place spec.md §4's "Flow" description collapses
// into for every task kind.
func (e *Engine) execute(t *task.Task, resume *task.ResumeData, run *liveRun) {
	ctrl := worker.Control{Cancel: run.cancel, Pause: run.pause}
	out := e.runByKind(t, resume, ctrl)

	e.mu.Lock()
	delete(e.running, t.ID)
	e.mu.Unlock()

	switch out.Status {
	case task.StatusPaused:
		e.onPaused(t, out)
	case task.StatusFailed:
		e.onFailed(t, out)
	default:
		e.finish(t, out.Status, out.Err, out)
	}
}

// onPaused persists the resume checkpoint and emits the pause pair
// (spec.md §4.5 "On paused...").
func (e *Engine) onPaused(t *task.Task, out worker.Outcome) {
	if out.ResumeData != nil {
		if err := e.retryCtl.Pause(*out.ResumeData); err != nil {
			e.logger.Error("engine: failed to persist pause", "id", t.ID, "error", err)
		}
	}
	e.pipeline.EmitStatus(t, task.StatusPaused, nil, 0, nil, "", "", "")
	e.pipeline.EmitProgress(t, task.ProgressPaused, out.FinalSize, 0, 0)
	e.scheduler.Release(t.ID)
}

// onFailed routes a failed outcome through the retry controller when the
// error is retryable and retries remain (spec.md §4.5 step 3); otherwise
// it is a true terminal failure.
func (e *Engine) onFailed(t *task.Task, out worker.Outcome) {
	if out.Err == nil || !out.Err.Retryable() {
		e.finish(t, task.StatusFailed, out.Err, out)
		return
	}

	scheduled := e.retryCtl.HandleFailure(t, out.ResumeData, e.onRetryReEnter, e.onRetryCanceled)
	if !scheduled {
		e.finish(t, task.StatusFailed, out.Err, out)
		return
	}
	e.pipeline.EmitStatus(t, task.StatusWaitingToRetry, out.Err, out.HTTPCode, out.ResponseHeaders, out.ResponseBody, out.MimeType, out.Charset)
	e.pipeline.EmitProgress(t, task.ProgressWaitingToRetry, out.FinalSize, 0, 0)
	e.scheduler.Release(t.ID)
}

// onRetryReEnter fires after a retry's backoff delay: it stashes rd for
// the admission callback to pick up and re-enters t through the holding
// queue, so the retry still honors every admission cap exactly like a
// fresh enqueue.
func (e *Engine) onRetryReEnter(t *task.Task, rd *task.ResumeData) {
	if rd != nil {
		e.mu.Lock()
		e.onResume[t.ID] = rd
		e.mu.Unlock()
	}
	e.pipeline.EmitStatus(t, task.StatusEnqueued, nil, 0, nil, "", "", "")
	e.scheduler.Enqueue(t)
}

// onRetryCanceled fires when Cancel arrives while a task waits out its
// retry backoff (spec.md §4.5 step 4).
func (e *Engine) onRetryCanceled(t *task.Task) {
	e.finish(t, task.StatusCanceled, nil, worker.Outcome{})
}

// finish emits the terminal status/progress pair, releases the
// scheduler slot, and drops the task from the live registry.
func (e *Engine) finish(t *task.Task, status task.Status, cause *task.TaskError, out worker.Outcome) {
	e.pipeline.EmitStatus(t, status, cause, out.HTTPCode, out.ResponseHeaders, out.ResponseBody, out.MimeType, out.Charset)
	if sentinel, ok := task.SentinelProgress(status); ok {
		e.pipeline.EmitProgress(t, sentinel, out.FinalSize, 0, 0)
	}
	e.scheduler.Release(t.ID)
	e.registry.Remove(t.ID)
}

// runByKind double-dispatches by task kind (spec.md §9 "polymorphism
// over task variants"), resolving on-disk destinations for the
// file-writing kinds before handing off to the matching worker runner.
func (e *Engine) runByKind(t *task.Task, resume *task.ResumeData, ctrl worker.Control) worker.Outcome {
	switch t.Kind {
	case task.KindDownload:
		dest, err := e.planDestination(t, t.Download.Destination)
		if err != nil {
			return worker.Outcome{Status: task.StatusFailed, Err: task.FilesystemError("failed to resolve destination", err)}
		}
		return worker.RunDownload(context.Background(), e.deps, ctrl, t, resume, dest)
	case task.KindParallelDownload:
		dest, err := e.planDestination(t, t.ParallelDownload.Destination)
		if err != nil {
			return worker.Outcome{Status: task.StatusFailed, Err: task.FilesystemError("failed to resolve destination", err)}
		}
		return e.coord.Run(context.Background(), ctrl, t, dest)
	case task.KindUpload:
		return worker.RunUpload(context.Background(), e.deps, ctrl, t)
	case task.KindMultipartUpload:
		return worker.RunMultipartUpload(context.Background(), e.deps, ctrl, t)
	case task.KindUriDownload:
		return e.runUriDownload(t, resume, ctrl)
	case task.KindUriUpload:
		return e.runUriUpload(t, ctrl)
	case task.KindData:
		return worker.RunData(context.Background(), e.deps, ctrl, t)
	default:
		return worker.Outcome{Status: task.StatusFailed, Err: task.GeneralError(fmt.Sprintf("unhandled task kind %q", t.Kind), nil)}
	}
}

// planDestination resolves dest's final file path, probing for a
// suggested filename first when dest.Filename is the "suggest"
// sentinel (spec.md §4.2(b)).
func (e *Engine) planDestination(t *task.Task, dest task.Destination) (string, error) {
	probed := ""
	if dest.Filename == "" || dest.Filename == task.SuggestFilename {
		if pr, perr := worker.Probe(context.Background(), e.deps.Client, t, 0); perr == nil {
			probed = pr.Filename
		}
	}
	return resolveDestination(dest, t.URL, probed)
}

// filePathFromURI strips a "file://" scheme, matching spec.md §3's
// "opaque URI... file resolution is delegated" for Uri* task variants;
// any other scheme is passed through unchanged since this engine does
// not implement platform content-URI resolution.
func filePathFromURI(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func (e *Engine) runUriDownload(t *task.Task, resume *task.ResumeData, ctrl worker.Control) worker.Outcome {
	dest := filePathFromURI(t.UriDownload.DestinationURI)
	return worker.RunDownload(context.Background(), e.deps, ctrl, t, resume, dest)
}

func (e *Engine) runUriUpload(t *task.Task, ctrl worker.Control) worker.Outcome {
	src := filePathFromURI(t.UriUpload.SourceURI)
	shadow := *t
	shadow.Kind = task.KindUpload
	shadow.Upload = &task.UploadSpec{SourcePath: src}
	return worker.RunUpload(context.Background(), e.deps, ctrl, &shadow)
}

// Pause requests a running, pause-capable task suspend and persist
// resume data (spec.md §6 pause(taskId) → bool). Returns false if the
// task is not currently running.
func (e *Engine) Pause(taskID string) bool {
	e.mu.Lock()
	run, ok := e.running[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	run.signalPause()
	return true
}

// Resume re-admits a paused task with its resume point attached
// (spec.md §6 resume(taskId) → bool).
func (e *Engine) Resume(taskID string) bool {
	t, ok := e.registry.Get(taskID)
	if !ok {
		return false
	}
	rd, found, err := e.retryCtl.Resume(taskID)
	if err != nil {
		e.logger.Error("engine: failed to load resume data", "id", taskID, "error", err)
		return false
	}
	if !found {
		return false
	}
	e.mu.Lock()
	e.onResume[t.ID] = &rd
	e.mu.Unlock()
	e.pipeline.EmitStatus(t, task.StatusEnqueued, nil, 0, nil, "", "", "")
	e.scheduler.Enqueue(t)
	return true
}

// Cancel cancels every live task named in taskIDs (spec.md §6
// cancel(taskIds) → bool): running tasks are signaled cooperatively,
// waiting tasks are pulled out of the holding queue directly, and tasks
// waiting out a retry backoff are cancelled through the retry
// controller so its timer never fires.
func (e *Engine) Cancel(taskIDs []string) bool {
	any := false
	removedWaiting := e.scheduler.CancelWaiting(taskIDs)
	for _, t := range removedWaiting {
		any = true
		e.finish(t, task.StatusCanceled, nil, worker.Outcome{})
	}
	for _, id := range taskIDs {
		if e.retryCtl.Cancel(id) {
			any = true
			continue
		}
		e.mu.Lock()
		run, ok := e.running[id]
		e.mu.Unlock()
		if !ok {
			continue
		}
		any = true
		run.signalCancel()
	}
	return any
}

// Reset cancels every live task in group (or every live task if group
// is empty), returning the count canceled (spec.md §6 reset(group) → int).
func (e *Engine) Reset(group string) int {
	ids := make([]string, 0)
	for _, t := range e.registry.All(group) {
		ids = append(ids, t.ID)
	}
	if len(ids) == 0 {
		return 0
	}
	e.Cancel(ids)
	return len(ids)
}

// AllTasks returns every live task, optionally filtered by group and
// including waitingToRetry tasks (spec.md §6 allTasks).
func (e *Engine) AllTasks(group string, includeWaitingToRetry bool) []*task.Task {
	return e.scheduler.AllTasks(group, includeWaitingToRetry)
}

// TaskForId looks up a single live task by id (spec.md §6 taskForId).
func (e *Engine) TaskForId(id string) (*task.Task, bool) {
	return e.registry.Get(id)
}

// Configure applies a configuration update (spec.md §6 configure(...)),
// rebuilding the shared HTTP client's proxy/TLS settings and the global
// bandwidth shaper when those fields change.
func (e *Engine) Configure(u config.Update) {
	e.cfg.Configure(u)
	if u.ProxyHost != nil || u.ProxyPort != nil || u.BypassTLSValidation != nil {
		e.deps.Client = newHTTPClient(e.cfg.Snapshot())
	}
	if u.GlobalBandwidthLimit != nil {
		e.deps.Bandwidth.SetLimit(*u.GlobalBandwidthLimit)
	}
}

// RequireWiFi applies a new WiFi admission policy (spec.md §6
// requireWiFi(mode, rescheduleRunning)): transitions produced by the
// scheduler are re-surfaced as canceled+re-enqueued (waiting tasks).
// Running tasks reported when rescheduleRunning is set are paused if
// pause-capable and otherwise keep running; a paused one is not
// re-enqueued and stays paused until Resume is called.
func (e *Engine) RequireWiFi(mode queue.WiFiPolicy, rescheduleRunning bool) {
	e.cfg.RequireWiFi(mode)
	transitions := e.scheduler.SetWiFiPolicy(mode, rescheduleRunning)
	for _, tr := range transitions {
		if tr.WasAdmitted {
			if tr.Task.AllowPause {
				e.Pause(tr.Task.ID)
			}
			continue
		}
		e.pipeline.EmitStatus(tr.Task, task.StatusCanceled, nil, 0, nil, "", "", "")
		e.registry.Remove(tr.Task.ID)
		e.scheduler.Enqueue(tr.Task)
	}
}

// PopUndeliveredStatus / PopUndeliveredProgress drain persisted updates
// of one kind (spec.md §6 popUndeliveredData).
func (e *Engine) PopUndeliveredStatus() (map[string]update.StatusUpdate, error) {
	return e.pipeline.PopUndeliveredStatus()
}

func (e *Engine) PopUndeliveredProgress() (map[string]update.ProgressUpdate, error) {
	return e.pipeline.PopUndeliveredProgress()
}

// AddListener / Subscribe expose the Update Pipeline's two delivery
// transports directly (spec.md §6 "per-group callbacks or a single
// subscription stream").
func (e *Engine) AddListener(group string, l update.Listener) (detach func()) {
	return e.pipeline.AddListener(group, l)
}

func (e *Engine) Subscribe(buffer int) (<-chan update.Update, func()) {
	return e.pipeline.Subscribe(buffer)
}
