package update

import (
	"sync"
	"time"

	"tachyonengine/internal/task"
)

// emission is the unit of work routed through the Pipeline's single
// dispatcher goroutine, so that — per spec.md §5 ("single-writer... one
// owning task") — dispatch order for a given taskId can never be
// reordered by concurrent callers.
type emission struct {
	group    string
	wants    task.Updates
	taskRef  *task.Task
	status   *StatusUpdate
	progress *ProgressUpdate
	tracked  bool
}

// Pipeline owns update dispatch: per-task ordering, per-task-preference
// filtering, group callbacks, a single subscription stream, and
// persistence of both TaskRecords (tracked groups) and undelivered
// updates (spec.md §4.4).
type Pipeline struct {
	store Store

	mu        sync.Mutex
	listeners map[string][]Listener // group -> listeners
	subs      []chan Update
	tracked   map[string]bool // group -> opted into TaskRecord persistence

	seqMu sync.Mutex
	seq   map[string]int64 // taskId -> next emission sequence number

	in     chan emission
	closed chan struct{}
	wg     sync.WaitGroup
}

func NewPipeline(store Store) *Pipeline {
	p := &Pipeline{
		store:     store,
		listeners: make(map[string][]Listener),
		tracked:   make(map[string]bool),
		seq:       make(map[string]int64),
		in:        make(chan emission, 256),
		closed:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Pipeline) Close() {
	close(p.closed)
	p.wg.Wait()
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case e := <-p.in:
			p.dispatch(e)
		case <-p.closed:
			// Drain anything already queued before exiting.
			for {
				select {
				case e := <-p.in:
					p.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

// nextSeq assigns the next per-task emission sequence number. Called
// synchronously by the emitting worker so that Seq reflects true
// emission order even though dispatch itself is asynchronous.
func (p *Pipeline) nextSeq(taskID string) int64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.seq[taskID]++
	return p.seq[taskID]
}

// TrackGroup opts a group into TaskRecord persistence (spec.md §4.4,
// glossary "Tracked group").
func (p *Pipeline) TrackGroup(group string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked[group] = true
}

func (p *Pipeline) isTracked(group string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracked[group]
}

// AddListener attaches a per-group callback (spec.md §6). Returns a
// detach function.
func (p *Pipeline) AddListener(group string, l Listener) (detach func()) {
	p.mu.Lock()
	p.listeners[group] = append(p.listeners[group], l)
	idx := len(p.listeners[group]) - 1
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		ls := p.listeners[group]
		if idx < len(ls) {
			ls[idx] = nil
		}
	}
}

// Subscribe returns a single stream carrying every update across all
// groups (spec.md §6 "single subscription stream"). The channel is
// closed when detach is called.
func (p *Pipeline) Subscribe(buffer int) (ch <-chan Update, detach func()) {
	c := make(chan Update, buffer)
	p.mu.Lock()
	p.subs = append(p.subs, c)
	p.mu.Unlock()
	return c, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.subs {
			if s == c {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				close(c)
				return
			}
		}
	}
}

func (p *Pipeline) hasListeners(group string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.listeners[group] {
		if l != nil {
			return true
		}
	}
	return len(p.subs) > 0
}

// EmitStatus enqueues a status update for dispatch. wants is the
// emitting task's Updates preference; group controls callback routing
// and TaskRecord tracking.
func (p *Pipeline) EmitStatus(t *task.Task, status task.Status, errCause *task.TaskError, httpCode int, respHeaders map[string]string, respBody, mimeType, charset string) {
	u := &StatusUpdate{
		TaskID:          t.ID,
		Status:          status,
		Exception:       errCause,
		ResponseCode:    httpCode,
		ResponseHeaders: respHeaders,
		ResponseBody:    respBody,
		MimeType:        mimeType,
		Charset:         charset,
		Seq:             p.nextSeq(t.ID),
	}
	p.in <- emission{group: t.Group, wants: t.Updates, taskRef: t, status: u, tracked: p.isTracked(t.Group)}
}

// EmitProgress enqueues a progress update for dispatch.
func (p *Pipeline) EmitProgress(t *task.Task, progress float64, expectedSize int64, speed float64, remaining int64) {
	u := &ProgressUpdate{
		TaskID:           t.ID,
		Progress:         progress,
		ExpectedFileSize: expectedSize,
		NetworkSpeed:     speed,
		TimeRemaining:    time.Duration(remaining),
		Seq:              p.nextSeq(t.ID),
	}
	p.in <- emission{group: t.Group, wants: t.Updates, taskRef: t, progress: u, tracked: p.isTracked(t.Group)}
}

func (p *Pipeline) dispatch(e emission) {
	// Write-ahead marker: bumped on every mutation regardless of group
	// tracking, so Store.ModifiedVersion moves even for untracked groups.
	if p.store != nil && e.taskRef != nil {
		_ = p.store.MarkModified(e.taskRef.ID)
	}
	if e.status != nil {
		p.dispatchStatus(e)
	}
	if e.progress != nil {
		p.dispatchProgress(e)
	}
}

func (p *Pipeline) dispatchStatus(e emission) {
	if e.tracked {
		p.saveRecord(e)
	}
	if !e.wants.WantsStatus() {
		return
	}
	if !p.hasListeners(e.group) {
		if p.store != nil {
			_ = p.store.SaveUndeliveredStatus(e.status.TaskID, *e.status)
		}
		return
	}
	p.fanOutStatus(e.group, *e.status)
}

func (p *Pipeline) dispatchProgress(e emission) {
	if e.tracked {
		p.saveRecord(e)
	}
	if !e.wants.WantsProgress() {
		return
	}
	if !p.hasListeners(e.group) {
		if p.store != nil {
			_ = p.store.SaveUndeliveredProgress(e.progress.TaskID, *e.progress)
		}
		return
	}
	p.fanOutProgress(e.group, *e.progress)
}

func (p *Pipeline) fanOutStatus(group string, u StatusUpdate) {
	p.mu.Lock()
	listeners := append([]Listener(nil), p.listeners[group]...)
	subs := append([]chan Update(nil), p.subs...)
	p.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l.OnStatus(u)
		}
	}
	for _, c := range subs {
		select {
		case c <- Update{Status: &u}:
		default:
		}
	}
}

func (p *Pipeline) fanOutProgress(group string, u ProgressUpdate) {
	p.mu.Lock()
	listeners := append([]Listener(nil), p.listeners[group]...)
	subs := append([]chan Update(nil), p.subs...)
	p.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l.OnProgress(u)
		}
	}
	for _, c := range subs {
		select {
		case c <- Update{Progress: &u}:
		default:
		}
	}
}

// saveRecord persists the TaskRecord for a tracked group on every
// status or progress emission (spec.md §4.4). The two update kinds
// update disjoint fields of the same logical record, so this loads
// whatever is already stored for the task first and overwrites only the
// fields the current emission carries — a progress-only emission must
// never clobber the last-saved Status/Exception, and vice versa.
func (p *Pipeline) saveRecord(e emission) {
	if p.store == nil || e.taskRef == nil {
		return
	}
	rec, found, err := p.store.GetTaskRecord(e.taskRef.ID)
	if err != nil || !found {
		rec = task.TaskRecord{TaskID: e.taskRef.ID}
	}
	rec.Task = e.taskRef
	if e.status != nil {
		rec.Status = e.status.Status
		rec.Exception = e.status.Exception
		if progress, ok := task.SentinelProgress(e.status.Status); ok {
			rec.Progress = progress
		} else if e.status.Status == task.StatusComplete {
			rec.Progress = task.ProgressComplete
		}
	}
	if e.progress != nil {
		rec.Progress = e.progress.Progress
		rec.ExpectedFileSize = e.progress.ExpectedFileSize
	}
	_ = p.store.SaveTaskRecord(rec)
}

// PopUndeliveredStatus / PopUndeliveredProgress drain persisted updates
// of one kind atomically
// (spec.md §6 popUndeliveredData).
func (p *Pipeline) PopUndeliveredStatus() (map[string]StatusUpdate, error) {
	if p.store == nil {
		return nil, nil
	}
	return p.store.PopUndeliveredStatus()
}

func (p *Pipeline) PopUndeliveredProgress() (map[string]ProgressUpdate, error) {
	if p.store == nil {
		return nil, nil
	}
	return p.store.PopUndeliveredProgress()
}
