package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/semaphore"

	"github.com/bucketdesk/bucketdesk/internal/await"
	"github.com/bucketdesk/bucketdesk/internal/compress"
	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/history"
	"github.com/bucketdesk/bucketdesk/internal/metrics"
	"github.com/bucketdesk/bucketdesk/internal/objectkey"
	"github.com/bucketdesk/bucketdesk/internal/provider"
	"github.com/bucketdesk/bucketdesk/internal/rewrite"
	"github.com/bucketdesk/bucketdesk/internal/uid"
)

// DefaultMaxConcurrent is the number of simultaneous upload/download steps
// when Options.MaxConcurrent is zero.
const DefaultMaxConcurrent = 4

// DefaultRetention is how long a finished request is kept when
// Options.Retention is zero.
const DefaultRetention = time.Hour

// ErrClosed is returned by submissions after Close.
var ErrClosed = errors.New("orchestrator is closed")

// Storage is the subset of the storage adapter the orchestrator drives.
type Storage interface {
	Upload(ctx context.Context, cfg provider.Config, bucket, key string, r io.Reader, size int64, contentType string) error
	DownloadToFile(ctx context.Context, cfg provider.Config, bucket, key, path string) (string, error)
	GetObjectURL(ctx context.Context, cfg provider.Config, bucket, key string, expiresIn time.Duration) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	// MaxConcurrent caps tasks inside their upload/download step.
	MaxConcurrent int
	// Workers is the number of goroutines draining the queue. Zero means
	// MaxConcurrent.
	Workers int
	// CompressWorkers caps simultaneous compression jobs. Zero means
	// runtime.NumCPU().
	CompressWorkers int
	// CallTimeout bounds each upload/download call. Zero means no bound.
	CallTimeout time.Duration
	// Retention is how long a request stays available after its last task
	// is terminal. Until then its tasks can be read, waited on and
	// resubmitted; afterwards the request, its tasks and the inputs held
	// for resubmission are dropped. Zero means DefaultRetention.
	Retention time.Duration
	// Presets resolves preset IDs. Nil means the built-in presets.
	Presets *compress.Registry
	// Store holds task state. Nil means a fresh MemoryStore.
	Store Store
	// History receives upload records. Nil disables history.
	History history.Store
	// Logger receives lifecycle logs. Nil means slog.Default().
	Logger *slog.Logger
}

// request tracks one submission until all of its tasks are terminal.
type request struct {
	id        string
	cfg       provider.Config
	bucket    string
	presets   []string
	document  string
	rewrite   RewriteOptions
	remaining int
	cancelled bool
	done      *await.Future[Summary]
}

// Orchestrator runs transfer tasks on a bounded pool.
//
// Tasks run on the orchestrator's own context: a submitting caller going
// away does not abort them. Close stops the pool.
type Orchestrator struct {
	storage Storage
	opts    Options
	store   Store
	history history.Store
	presets *compress.Registry
	logger  *slog.Logger

	q      *queue
	ioSem  *semaphore.Weighted
	cpuSem *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*job
	requests map[string]*request
	closed   bool
}

// New creates an Orchestrator and starts its workers.
func New(storage Storage, opts Options) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Workers <= 0 {
		opts.Workers = opts.MaxConcurrent
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.CompressWorkers <= 0 {
		opts.CompressWorkers = runtime.NumCPU()
	}
	if opts.Presets == nil {
		opts.Presets, _ = compress.NewRegistry()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		storage:  storage,
		opts:     opts,
		store:    opts.Store,
		history:  opts.History,
		presets:  opts.Presets,
		logger:   opts.Logger,
		q:        newQueue(),
		ioSem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		cpuSem:   semaphore.NewWeighted(int64(opts.CompressWorkers)),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*job),
		requests: make(map[string]*request),
	}
	for i := 0; i < opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	return o
}

// SubmitUpload expands req into tasks and queues them. It returns the
// request ID and the accepted tasks.
func (o *Orchestrator) SubmitUpload(ctx context.Context, req UploadRequest) (string, []Task, error) {
	plan, err := expandUpload(req, o.presets)
	if err != nil {
		return "", nil, err
	}
	r := &request{
		cfg:      req.Provider,
		bucket:   req.Bucket,
		presets:  req.Presets,
		document: req.Document,
		rewrite:  req.Rewrite,
	}
	return o.accept(ctx, r, plan)
}

// SubmitDownload queues one download task per key.
func (o *Orchestrator) SubmitDownload(ctx context.Context, req DownloadRequest) (string, []Task, error) {
	plan, err := expandDownload(req)
	if err != nil {
		return "", nil, err
	}
	return o.accept(ctx, &request{cfg: req.Provider, bucket: req.Bucket}, plan)
}

func (o *Orchestrator) accept(ctx context.Context, r *request, plan []planned) (string, []Task, error) {
	r.id = uid.New()
	r.remaining = len(plan)
	r.done = await.NewFuture[Summary]()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", nil, ErrClosed
	}
	o.requests[r.id] = r
	o.mu.Unlock()

	var queued []string
	for _, p := range plan {
		t := p.task
		t.ID = uid.New()
		t.RequestID = r.id
		if t.Direction == DirectionUpload {
			t.HistoryID = o.recordAccepted(ctx, t)
		}
		if err := o.store.Insert(t); err != nil {
			return "", nil, fmt.Errorf("storing task: %w", err)
		}
		o.mu.Lock()
		o.jobs[t.ID] = p.job
		o.mu.Unlock()

		if p.err != nil {
			o.fail(t.ID, StageRead, p.err)
			continue
		}
		queued = append(queued, t.ID)
	}
	for _, id := range queued {
		if !o.q.push(id) {
			o.cancelTask(id)
		}
	}

	tasks, err := o.store.List(r.id)
	if err != nil {
		return "", nil, err
	}
	o.logger.Info("Transfer request accepted",
		"request_id", r.id, "tasks", len(tasks), "bucket", r.bucket, "provider", r.cfg)
	return r.id, tasks, nil
}

// Cancel withdraws a request: its pending tasks become cancelled and are
// never started. Tasks already compressing, uploading or downloading run
// to completion. It returns the number of tasks cancelled.
func (o *Orchestrator) Cancel(requestID string) (int, error) {
	o.mu.Lock()
	r, ok := o.requests[requestID]
	if ok {
		r.cancelled = true
	}
	o.mu.Unlock()
	if !ok {
		return 0, bderr.New(bderr.KindNotFound, "cancel", "", requestID, fmt.Errorf("request not found"))
	}

	tasks, err := o.store.List(requestID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Status == StatusPending && o.cancelTask(t.ID) {
			n++
		}
	}
	o.logger.Info("Transfer request cancelled", "request_id", requestID, "cancelled", n)
	return n, nil
}

// Wait blocks until every task of the request is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, requestID string) (Summary, error) {
	o.mu.Lock()
	r, ok := o.requests[requestID]
	o.mu.Unlock()
	if !ok {
		return Summary{}, bderr.New(bderr.KindNotFound, "wait", "", requestID, fmt.Errorf("request not found"))
	}
	return r.done.Wait(ctx)
}

// Resubmit queues a fresh copy of a failed or cancelled task as a new
// single-task request. It is possible until the task's request is evicted,
// Options.Retention after it finished.
func (o *Orchestrator) Resubmit(ctx context.Context, taskID string) (string, Task, error) {
	old, err := o.store.Get(taskID)
	if err != nil {
		return "", Task{}, err
	}
	if old.Status != StatusError && old.Status != StatusCancelled {
		return "", Task{}, bderr.Invalid("task %s is %s; only failed or cancelled tasks can be resubmitted", taskID, old.Status)
	}
	o.mu.Lock()
	j, ok := o.jobs[taskID]
	parent := o.requests[old.RequestID]
	o.mu.Unlock()
	if !ok || parent == nil {
		return "", Task{}, bderr.New(bderr.KindNotFound, "resubmit", "", taskID, fmt.Errorf("task inputs are no longer available"))
	}

	fresh := old
	fresh.Status = StatusPending
	fresh.Stage = ""
	fresh.Error = ""
	fresh.ErrorKind = ""
	fresh.ResultSize = 0
	fresh.CreatedAt = time.Time{}
	r := &request{cfg: j.cfg, bucket: old.Bucket}
	id, tasks, err := o.accept(ctx, r, []planned{{task: fresh, job: j}})
	if err != nil {
		return "", Task{}, err
	}
	return id, tasks[0], nil
}

// Task returns the current state of a task.
func (o *Orchestrator) Task(id string) (Task, error) {
	return o.store.Get(id)
}

// Tasks returns every task of a request.
func (o *Orchestrator) Tasks(requestID string) ([]Task, error) {
	return o.store.List(requestID)
}

// Subscribe streams task updates. See Store.Subscribe.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	return o.store.Subscribe(buffer)
}

// Close stops accepting work, cancels queued tasks and waits for running
// tasks to finish. If ctx ends first, running tasks are aborted.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	for _, id := range o.q.close() {
		o.cancelTask(id)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		id, ok := o.q.pop()
		if !ok {
			return
		}
		o.run(id)
	}
}

func (o *Orchestrator) run(id string) {
	t, err := o.store.Get(id)
	if err != nil || t.Status != StatusPending {
		return
	}
	o.mu.Lock()
	j := o.jobs[id]
	r := o.requests[t.RequestID]
	cancelled := r != nil && r.cancelled
	o.mu.Unlock()
	if cancelled {
		o.cancelTask(id)
		return
	}
	if j == nil {
		o.fail(id, StageRead, fmt.Errorf("task inputs are missing"))
		return
	}

	if t.Direction == DirectionDownload {
		o.runDownload(t, j)
		return
	}
	o.runUpload(t, j)
}

// output is the payload a task uploads.
type output struct {
	data     []byte
	mimeType string
	key      string
	width    int
	height   int
}

func (o *Orchestrator) runUpload(t Task, j *job) {
	out := output{data: j.data, mimeType: t.MimeType, key: t.Destination, width: t.Width, height: t.Height}

	if t.Kind != KindOriginal {
		if _, err := o.advance(t.ID, StatusCompressing, nil); err != nil {
			return
		}
		produced, err := o.produce(t, j)
		if err != nil {
			o.fail(t.ID, StageCompress, err)
			return
		}
		out = produced
	}

	if err := o.ioSem.Acquire(o.ctx, 1); err != nil {
		o.fail(t.ID, StageUpload, bderr.New(bderr.KindCancelled, "upload", t.Bucket, out.key, err))
		return
	}
	defer o.ioSem.Release(1)

	t, err := o.advance(t.ID, StatusUploading, func(task *Task) {
		task.Destination = out.key
		task.MimeType = out.mimeType
		task.Width, task.Height = out.width, out.height
	})
	if err != nil {
		return
	}
	o.recordStatus(t, history.StatusUploading, "")

	metrics.TasksActive.WithLabelValues(string(DirectionUpload)).Inc()
	size, err := o.upload(t, j, out)
	metrics.TasksActive.WithLabelValues(string(DirectionUpload)).Dec()
	if err != nil {
		o.fail(t.ID, StageUpload, err)
		return
	}
	metrics.TransferBytesTotal.WithLabelValues(string(DirectionUpload)).Add(float64(size))
	o.complete(t.ID, size)
}

// produce runs the compression step for a compressed or blur task.
func (o *Orchestrator) produce(t Task, j *job) (output, error) {
	if err := o.cpuSem.Acquire(o.ctx, 1); err != nil {
		return output{}, bderr.New(bderr.KindCancelled, "compress", t.Bucket, t.Destination, err)
	}
	defer o.cpuSem.Release(1)

	switch t.Kind {
	case KindCompressed:
		res, err := compress.Compress(j.data, j.preset, compress.Options{Crop: j.crop})
		if err != nil {
			return output{}, err
		}
		return output{
			data:     res.Data,
			mimeType: mimetype.Detect(res.Data).String(),
			key:      variantKey(j.prefix, j.stem, j.preset.ID, res.Width, res.Height, compress.Extension(res.Format)),
			width:    res.Width,
			height:   res.Height,
		}, nil
	case KindBlur:
		ph, err := compress.MakePlaceholder(j.data)
		if err != nil {
			return output{}, err
		}
		return output{
			data:     ph.Data,
			mimeType: formatMime(ph.Format),
			key:      variantKey(j.prefix, j.stem, string(KindBlur), ph.Width, ph.Height, compress.Extension(ph.Format)),
			width:    ph.Width,
			height:   ph.Height,
		}, nil
	}
	return output{}, bderr.Invalid("task kind %s has no compression step", t.Kind)
}

func (o *Orchestrator) upload(t Task, j *job, out output) (int64, error) {
	var (
		body io.Reader
		size int64
	)
	if out.data != nil {
		body, size = bytes.NewReader(out.data), int64(len(out.data))
	} else {
		f, err := os.Open(j.path)
		if err != nil {
			return 0, bderr.New(bderr.KindInternal, "read", "", j.path, err)
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return 0, bderr.New(bderr.KindInternal, "read", "", j.path, err)
		}
		body, size = f, st.Size()
	}

	_, err := await.Call(o.ctx, o.opts.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.storage.Upload(ctx, j.cfg, t.Bucket, out.key, body, size, out.mimeType)
	})
	if errors.Is(err, await.ErrTimeout) {
		err = bderr.New(bderr.KindConnectivity, "upload", t.Bucket, out.key, err)
	}
	return size, err
}

func (o *Orchestrator) runDownload(t Task, j *job) {
	if err := o.ioSem.Acquire(o.ctx, 1); err != nil {
		o.fail(t.ID, StageDownload, bderr.New(bderr.KindCancelled, "download", t.Bucket, t.Source, err))
		return
	}
	defer o.ioSem.Release(1)

	t, err := o.advance(t.ID, StatusDownloading, nil)
	if err != nil {
		return
	}

	metrics.TasksActive.WithLabelValues(string(DirectionDownload)).Inc()
	_, err = await.Call(o.ctx, o.opts.CallTimeout, func(ctx context.Context) (string, error) {
		return o.storage.DownloadToFile(ctx, j.cfg, t.Bucket, t.Source, t.Destination)
	})
	metrics.TasksActive.WithLabelValues(string(DirectionDownload)).Dec()
	if errors.Is(err, await.ErrTimeout) {
		err = bderr.New(bderr.KindConnectivity, "download", t.Bucket, t.Source, err)
	}
	if err != nil {
		o.fail(t.ID, StageDownload, err)
		return
	}

	var size int64
	if st, err := os.Stat(t.Destination); err == nil {
		size = st.Size()
	}
	metrics.TransferBytesTotal.WithLabelValues(string(DirectionDownload)).Add(float64(size))
	o.complete(t.ID, size)
}

// advance moves task id to status, applying mutate in the same atomic
// update. It fails when the state machine forbids the move.
func (o *Orchestrator) advance(id string, to Status, mutate func(*Task)) (Task, error) {
	return o.store.Update(id, func(t *Task) error {
		if !CanTransition(t.Status, to) {
			return &errTransition{from: t.Status, to: to}
		}
		t.Status = to
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
}

func (o *Orchestrator) complete(id string, size int64) {
	t, err := o.advance(id, StatusCompleted, func(t *Task) {
		t.ResultSize = size
	})
	if err != nil {
		return
	}
	o.finish(t)
}

func (o *Orchestrator) fail(id string, stage Stage, cause error) {
	t, err := o.advance(id, StatusError, func(t *Task) {
		t.Stage = stage
		t.Error = cause.Error()
		t.ErrorKind = bderr.KindOf(cause)
	})
	if err != nil {
		return
	}
	o.logger.Warn("Transfer task failed",
		"task_id", t.ID, "request_id", t.RequestID, "stage", stage, "key", t.Destination, "error", cause)
	o.finish(t)
}

// cancelTask moves a pending task to cancelled. It reports whether this
// call made the transition.
func (o *Orchestrator) cancelTask(id string) bool {
	t, err := o.advance(id, StatusCancelled, func(t *Task) {
		t.Error = bderr.ErrCancelled.Error()
		t.ErrorKind = bderr.KindCancelled
	})
	if err != nil {
		return false
	}
	o.finish(t)
	return true
}

// finish runs once per task, after its terminal transition.
func (o *Orchestrator) finish(t Task) {
	metrics.TasksTotal.WithLabelValues(string(t.Direction), string(t.Kind), string(t.Status)).Inc()

	switch t.Status {
	case StatusCompleted:
		o.recordStatus(t, history.StatusCompleted, "")
	default:
		o.recordStatus(t, history.StatusError, t.Error)
	}

	o.mu.Lock()
	if t.Status == StatusCompleted {
		delete(o.jobs, t.ID)
	}
	r := o.requests[t.RequestID]
	last := false
	if r != nil {
		r.remaining--
		last = r.remaining == 0
	}
	o.mu.Unlock()

	if last {
		o.resolve(r)
	}
}

// resolve builds the request summary, rewriting the document if asked.
func (o *Orchestrator) resolve(r *request) {
	tasks, err := o.store.List(r.id)
	if err != nil {
		r.done.Resolve(Summary{}, err)
		return
	}
	s := summarize(r.id, tasks)
	if r.document != "" {
		s.Document = o.rewriteDocument(r, tasks)
	}
	o.logger.Info("Transfer request finished",
		"request_id", r.id, "completed", s.Completed, "failed", s.Failed, "cancelled", s.Cancelled)
	r.done.Resolve(s, nil)
	time.AfterFunc(o.opts.Retention, func() { o.evict(r.id) })
}

// evict drops a finished request, its tasks and their retained inputs.
func (o *Orchestrator) evict(requestID string) {
	tasks, _ := o.store.List(requestID)
	o.mu.Lock()
	delete(o.requests, requestID)
	for _, t := range tasks {
		delete(o.jobs, t.ID)
	}
	o.mu.Unlock()
	if err := o.store.Remove(requestID); err != nil {
		o.logger.Warn("Evicting transfer request failed", "request_id", requestID, "error", err)
		return
	}
	o.logger.Debug("Transfer request evicted", "request_id", requestID, "tasks", len(tasks))
}

// rewriteDocument substitutes the destination of the preferred completed
// task for every reference that matches an uploaded source file.
func (o *Orchestrator) rewriteDocument(r *request, tasks []Task) string {
	repl := make(map[string]string)
	for _, ref := range rewrite.Extract(r.document) {
		if _, done := repl[ref.Dest]; done {
			continue
		}
		t, ok := preferredTask(ref.Dest, tasks, r.presets)
		if !ok {
			continue
		}
		target, err := o.resolveTarget(r, t)
		if err != nil {
			o.logger.Warn("Resolving reference failed", "reference", ref.Dest, "key", t.Destination, "error", err)
			continue
		}
		repl[ref.Dest] = target
	}
	return rewrite.Apply(r.document, repl)
}

// preferredTask picks the completed non-blur task for ref: an exact source
// match beats a base-name match; among those, the first preset in request
// order beats the original.
func preferredTask(ref string, tasks []Task, presets []string) (Task, bool) {
	rank := func(t Task) int {
		for i, id := range presets {
			if t.Kind == KindCompressed && t.PresetID == id {
				return i
			}
		}
		return len(presets)
	}
	pick := func(match func(Task) bool) (Task, bool) {
		var best Task
		found := false
		for _, t := range tasks {
			if t.Status != StatusCompleted || t.Kind == KindBlur || t.Direction != DirectionUpload || !match(t) {
				continue
			}
			if !found || rank(t) < rank(best) {
				best, found = t, true
			}
		}
		return best, found
	}
	if t, ok := pick(func(t Task) bool { return t.Source == ref }); ok {
		return t, true
	}
	return pick(func(t Task) bool { return matchesSource(ref, t) })
}

func (o *Orchestrator) resolveTarget(r *request, t Task) (string, error) {
	if r.rewrite.Mode != RewriteURL {
		return t.Destination, nil
	}
	if r.rewrite.BaseURL != "" {
		return strings.TrimSuffix(r.rewrite.BaseURL, "/") + "/" + objectkey.Normalize(t.Destination), nil
	}
	return o.storage.GetObjectURL(o.ctx, r.cfg, r.bucket, t.Destination, r.rewrite.URLExpiry)
}

func (o *Orchestrator) recordAccepted(ctx context.Context, t Task) string {
	if o.history == nil {
		return ""
	}
	rec, err := o.history.Create(context.WithoutCancel(ctx), history.Record{
		ProviderID: t.ProviderID,
		Bucket:     t.Bucket,
		Key:        t.Destination,
		Name:       objectkey.Base(t.Destination),
		Type:       string(t.Kind),
		Size:       t.OriginalSize,
		MimeType:   t.MimeType,
		Status:     history.StatusPending,
	})
	if err != nil {
		o.logger.Warn("Recording upload history failed", "key", t.Destination, "error", err)
		return ""
	}
	return rec.ID
}

func (o *Orchestrator) recordStatus(t Task, status history.Status, msg string) {
	if o.history == nil || t.HistoryID == "" {
		return
	}
	if err := o.history.UpdateStatus(o.ctx, t.HistoryID, status, msg); err != nil {
		o.logger.Warn("Updating upload history failed", "history_id", t.HistoryID, "status", status, "error", err)
	}
}
