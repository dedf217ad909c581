// Package downloader runs download tasks: it resolves a post link to media URLs, fetches each
// file and drives the task through its lifecycle in the task store.
package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/postdl/internal/admission"
	"github.com/italolelis/postdl/internal/fetch"
	"github.com/italolelis/postdl/internal/logctx"
	"github.com/italolelis/postdl/internal/media"
	"github.com/italolelis/postdl/internal/resolver"
	"github.com/italolelis/postdl/internal/task"
	"github.com/italolelis/postdl/internal/taskstore"
	"github.com/italolelis/postdl/internal/telemetry"
)

// Config holds the engine settings.
type Config struct {
	Dir          string
	RecentWindow time.Duration
	// MaxParallel caps concurrently running tasks. Zero means no cap.
	MaxParallel int
	VideoPolicy resolver.VideoPolicy
	// LivePhotos merges the still and the clip of a live photo into one motion photo.
	// When off, the clip is downloaded as a separate video.
	LivePhotos bool
}

// Mirror receives every file the engine writes.
type Mirror interface {
	Publish(ctx context.Context, path string) (string, error)
}

// Option configures a Downloader.
type Option func(*Downloader)

func WithNamer(n media.Namer) Option {
	return func(d *Downloader) { d.namer = n }
}

func WithMirror(m Mirror) Option {
	return func(d *Downloader) { d.mirror = m }
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(d *Downloader) { d.telemetry = tel }
}

// Preview describes a post without downloading it.
type Preview struct {
	URL    string `json:"url"`
	PostID string `json:"postId,omitempty"`
	Count  int    `json:"count"`
}

type handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Downloader is the download engine and the API callers use to manage tasks.
type Downloader struct {
	store     *taskstore.Store
	guard     *admission.Guard
	resolver  resolver.Resolver
	fetcher   fetch.Fetcher
	namer     media.Namer
	mirror    Mirror
	telemetry *telemetry.Telemetry
	cfg       Config
	sem       chan struct{}

	mu      sync.Mutex
	active  map[int64]*handle
	crawled map[int64]resolver.Resolver
	optIn   map[string]bool
	closed  bool
	wg      sync.WaitGroup
}

func NewDownloader(
	store *taskstore.Store,
	guard *admission.Guard,
	res resolver.Resolver,
	fetcher fetch.Fetcher,
	cfg Config,
	opts ...Option,
) *Downloader {
	d := &Downloader{
		store:    store,
		guard:    guard,
		resolver: res,
		fetcher:  fetcher,
		namer:    media.PrefixNamer{Prefix: "xhs_"},
		cfg:      cfg,
		active:   make(map[int64]*handle),
		crawled:  make(map[int64]resolver.Resolver),
		optIn:    make(map[string]bool),
	}

	if cfg.MaxParallel > 0 {
		d.sem = make(chan struct{}, cfg.MaxParallel)
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Submit admits url and starts a task for it. Only admission errors are returned; the
// outcome of the download is recorded on the task.
func (d *Downloader) Submit(ctx context.Context, url, title string) (int64, error) {
	if d.isClosed() {
		return 0, ErrShuttingDown
	}

	if err := d.guard.Admit(ctx, url, d.cfg.RecentWindow); err != nil {
		return 0, err
	}

	id := d.store.CreateTask(ctx, url, title, task.KindImage, 1)

	logctx.LoggerFromContext(ctx).Info("task submitted", "task_id", id, "url", url)

	if err := d.start(ctx, id, url); err != nil {
		return id, err
	}

	return id, nil
}

// SubmitCrawled downloads media URLs collected from the post page by the caller. Videos
// are allowed, and tasks of the same link waiting for confirmation are failed as
// superseded.
func (d *Downloader) SubmitCrawled(ctx context.Context, url string, mediaURLs []string, content string) (int64, error) {
	if d.isClosed() {
		return 0, ErrShuttingDown
	}

	if err := d.guard.AdmitInFlight(ctx, url); err != nil {
		return 0, err
	}

	for _, t := range d.store.ActiveTasks() {
		if t.SourceURL == url && t.Status == task.StatusWaitingForUser {
			d.store.FailTask(ctx, t.ID, task.ReasonSuperseded, SupersededMessage)
		}
	}

	id := d.store.CreateTask(ctx, url, "", task.KindImage, max(len(mediaURLs), 1))

	d.mu.Lock()
	d.crawled[id] = resolver.NewStatic(mediaURLs, content)
	d.optIn[url] = true
	d.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("crawled task submitted", "task_id", id, "url", url, "media", len(mediaURLs))

	if err := d.start(ctx, id, url); err != nil {
		return id, err
	}

	return id, nil
}

// Cancel stops a task. A running task ends FAILED as cancelled by the user within one
// chunk read; a queued or waiting task is failed immediately.
func (d *Downloader) Cancel(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.store.GetTask(id)
	if !ok {
		return ErrTaskNotFound
	}

	if h, running := d.active[id]; running {
		h.cancel(&StopError{Reason: StopUser})
	} else if t.IsTerminal() {
		return ErrNotActive
	}

	if !t.IsTerminal() {
		d.store.FailTask(ctx, id, task.ReasonCancelled, CancelledMessage)
	}

	logctx.LoggerFromContext(ctx).Info("task cancelled", "task_id", id)

	return nil
}

// Retry runs a finished task again from scratch.
func (d *Downloader) Retry(ctx context.Context, id int64) error {
	t, err := d.idle(id)
	if err != nil {
		return err
	}

	if !t.IsTerminal() {
		return ErrNotRetryable
	}

	return d.rerun(ctx, t)
}

// ContinueDespiteVideo opts the task's link into video downloads and runs the waiting
// task again.
func (d *Downloader) ContinueDespiteVideo(ctx context.Context, id int64) error {
	t, err := d.idle(id)
	if err != nil {
		return err
	}

	if t.Status != task.StatusWaitingForUser {
		return ErrNotWaiting
	}

	d.mu.Lock()
	d.optIn[t.SourceURL] = true
	d.mu.Unlock()

	return d.rerun(ctx, t)
}

func (d *Downloader) idle(id int64) (task.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.store.GetTask(id)
	if !ok {
		return task.Task{}, ErrTaskNotFound
	}

	if _, running := d.active[id]; running {
		return task.Task{}, ErrNotRetryable
	}

	return t, nil
}

func (d *Downloader) rerun(ctx context.Context, t task.Task) error {
	if d.isClosed() {
		return ErrShuttingDown
	}

	if err := d.guard.AdmitInFlight(ctx, t.SourceURL); err != nil {
		return err
	}

	if !d.store.ResetTask(ctx, t.ID) {
		d.guard.Release(t.SourceURL)
		return ErrNotRetryable
	}

	logctx.LoggerFromContext(ctx).Info("task restarted", "task_id", t.ID, "url", t.SourceURL)

	return d.start(ctx, t.ID, t.SourceURL)
}

// Observe returns a live feed of all tasks, newest first.
func (d *Downloader) Observe() (<-chan []task.Task, func()) {
	return d.store.Subscribe()
}

// Tasks returns all tasks, newest first.
func (d *Downloader) Tasks() []task.Task {
	return d.store.GetAllTasks()
}

func (d *Downloader) Task(id int64) (task.Task, bool) {
	return d.store.GetTask(id)
}

// DeleteTask stops the task if it is running and removes its record.
func (d *Downloader) DeleteTask(ctx context.Context, id int64) error {
	d.mu.Lock()
	if h, running := d.active[id]; running {
		h.cancel(&StopError{Reason: StopUser})
	}

	delete(d.crawled, id)

	if t, ok := d.store.GetTask(id); ok {
		delete(d.optIn, t.SourceURL)
	}
	d.mu.Unlock()

	if !d.store.DeleteTask(ctx, id) {
		return ErrTaskNotFound
	}

	return nil
}

// ClearHistory stops every running task and removes all records.
func (d *Downloader) ClearHistory(ctx context.Context) {
	d.mu.Lock()
	for _, h := range d.active {
		h.cancel(&StopError{Reason: StopUser})
	}

	clear(d.crawled)
	clear(d.optIn)
	d.mu.Unlock()

	d.store.DeleteAllTasks(ctx)

	logctx.LoggerFromContext(ctx).Info("task history cleared")
}

// Preview counts the media of a post without downloading it.
func (d *Downloader) Preview(ctx context.Context, url string) (Preview, error) {
	p := Preview{URL: url}
	p.PostID, _ = d.resolver.ResolvePostID(url)

	n, err := d.resolver.CountMedia(ctx, url)
	if err != nil {
		return p, fmt.Errorf("failed to count media: %w", err)
	}

	p.Count = n

	return p, nil
}

// Describe returns the text of a post.
func (d *Downloader) Describe(ctx context.Context, url string) (string, error) {
	res, err := d.resolver.Resolve(ctx, url)
	if err != nil {
		return "", fmt.Errorf("failed to resolve post: %w", err)
	}

	return res.Text, nil
}

// Shutdown interrupts running tasks and waits for their workers to record the outcome.
func (d *Downloader) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true

	for _, h := range d.active {
		h.cancel(&StopError{Reason: StopShutdown})
	}
	d.mu.Unlock()

	done := make(chan struct{})

	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for task workers: %w", ctx.Err())
	}
}

// Wait blocks until the worker of task id has exited.
func (d *Downloader) Wait(ctx context.Context, id int64) error {
	d.mu.Lock()
	h, ok := d.active[id]
	d.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Downloader) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closed
}

// start launches the worker of an admitted task. The worker owns the admission slot of url.
func (d *Downloader) start(ctx context.Context, id int64, url string) error {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	h := &handle{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel(&StopError{Reason: StopShutdown})
		d.guard.Release(url)
		d.store.FailTask(ctx, id, task.ReasonInterrupted, InterruptedMessage)

		return ErrShuttingDown
	}

	d.active[id] = h
	d.wg.Add(1)

	r := run{
		id:         id,
		url:        url,
		resolver:   d.resolver,
		allowVideo: d.optIn[url],
		startedAt:  time.Now(),
	}

	if c, ok := d.crawled[id]; ok {
		r.resolver = c
	}
	d.mu.Unlock()

	go d.work(runCtx, h, r)

	return nil
}

// errPanic wraps a value recovered from a worker panic.
type errPanic struct {
	value any
}

func (e *errPanic) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.value)
}
