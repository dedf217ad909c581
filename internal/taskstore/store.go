// Package taskstore is the process-wide registry of download tasks. Every mutation is
// persisted as a full snapshot to a storage.KV and broadcast to subscribers.
package taskstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/italolelis/postdl/internal/logctx"
	"github.com/italolelis/postdl/internal/storage"
	"github.com/italolelis/postdl/internal/task"
)

// PartialFailureMessage is set on tasks that finished with at least one failed file.
const PartialFailureMessage = "some files failed to download"

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds every task in memory and mirrors it to the key-value backend. It is safe for
// concurrent use; all read-modify-write operations are serialized.
type Store struct {
	mu     sync.Mutex
	kv     storage.KV
	now    func() time.Time
	tasks  map[int64]*task.Task
	live   map[int64]task.Live
	nextID int64

	subs   map[int]chan []task.Task
	subSeq int
}

// New loads the persisted snapshot from kv. A corrupt snapshot is logged and replaced
// by an empty registry; a failing backend is an error.
func New(ctx context.Context, kv storage.KV, opts ...Option) (*Store, error) {
	s := &Store{
		kv:     kv,
		now:    time.Now,
		tasks:  make(map[int64]*task.Task),
		live:   make(map[int64]task.Live),
		nextID: 1,
		subs:   make(map[int]chan []task.Task),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	raw, found, err := s.kv.Get(ctx, storage.KeyTasks)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	if found && raw != "" {
		tasks, skipped, err := task.DecodeList([]byte(raw))
		if err != nil {
			logger.WarnContext(ctx, "discarding unreadable task snapshot", "err", err)
		}

		if skipped > 0 {
			logger.WarnContext(ctx, "skipped unreadable task records", "count", skipped)
		}

		for i := range tasks {
			t := tasks[i]
			s.tasks[t.ID] = &t
			s.nextID = max(s.nextID, t.ID+1)
		}
	}

	rawID, found, err := s.kv.Get(ctx, storage.KeyNextID)
	if err != nil {
		return fmt.Errorf("failed to load next task id: %w", err)
	}

	if found {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			logger.WarnContext(ctx, "ignoring unreadable next task id", "value", rawID, "err", err)
		} else {
			s.nextID = max(s.nextID, id)
		}
	}

	logger.DebugContext(ctx, "task store loaded", "tasks", len(s.tasks), "next_id", s.nextID)

	return nil
}

// CreateTask registers a new QUEUED task and returns its id.
func (s *Store) CreateTask(ctx context.Context, url, title string, kind task.MediaKind, totalFiles int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	s.tasks[id] = &task.Task{
		ID:         id,
		SourceURL:  url,
		Title:      title,
		Kind:       kind,
		TotalFiles: max(totalFiles, 0),
		Status:     task.StatusQueued,
		CreatedAt:  s.now(),
	}

	s.commitLocked(ctx)

	return id
}

// StartTask moves a task to DOWNLOADING. Terminal tasks are left alone.
func (s *Store) StartTask(ctx context.Context, id int64) {
	s.mutate(ctx, id, func(t *task.Task) bool {
		if t.IsTerminal() {
			return false
		}

		t.Status = task.StatusDownloading

		return true
	})
}

// UpdateProgress records file counters and derives the status from them: once every file
// is accounted for the task becomes COMPLETED, or FAILED when any file failed. The current
// file fraction is published as live progress only.
func (s *Store) UpdateProgress(ctx context.Context, id int64, completed, failed int, currentFileFraction float64) {
	s.mutate(ctx, id, func(t *task.Task) bool {
		if t.IsTerminal() {
			return false
		}

		t.CompletedFiles = max(completed, 0)
		t.FailedFiles = max(failed, 0)
		done := t.CompletedFiles + t.FailedFiles

		if t.TotalFiles > 0 && done > t.TotalFiles {
			t.TotalFiles = done
		}

		if t.FailedFiles > 0 {
			t.ErrorMessage = PartialFailureMessage
		} else {
			t.ErrorMessage = ""
		}

		switch {
		case t.TotalFiles > 0 && done >= t.TotalFiles && t.FailedFiles == 0:
			s.finishLocked(t, task.StatusCompleted, "", "")
		case t.TotalFiles > 0 && done >= t.TotalFiles:
			s.finishLocked(t, task.StatusFailed, PartialFailureMessage, task.ReasonPartial)
		default:
			t.Status = task.StatusDownloading

			l := s.live[t.ID]
			l.Fraction = (float64(t.CompletedFiles) + clamp01(currentFileFraction)) / float64(max(t.TotalFiles, 1))
			s.live[t.ID] = l
		}

		return true
	})
}

// AddFilePath appends the path of a written file. Terminal tasks do not grow.
func (s *Store) AddFilePath(ctx context.Context, id int64, path string) {
	s.mutate(ctx, id, func(t *task.Task) bool {
		if t.IsTerminal() {
			return false
		}

		t.FilePaths = append(t.FilePaths, path)

		return true
	})
}

// UpdateTaskType upgrades the media kind. VIDEO is never downgraded.
func (s *Store) UpdateTaskType(ctx context.Context, id int64, kind task.MediaKind) {
	s.mutate(ctx, id, func(t *task.Task) bool {
		if t.Kind == kind || t.Kind == task.KindVideo {
			return false
		}

		t.Kind = kind

		return true
	})
}

// UpdateTaskStatus sets the status explicitly, bypassing counter derivation.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status task.Status, errorMessage string) {
	s.mutate(ctx, id, func(t *task.Task) bool {
		if status.IsTerminal() {
			reason := task.FailureReason("")
			if status == task.StatusFailed {
				reason = cmp.Or(t.FailureReason, task.ReasonInternal)
			}

			s.finishLocked(t, status, errorMessage, reason)

			return true
		}

		t.Status = status
		t.ErrorMessage = errorMessage
		t.FailureReason = ""
		t.CompletedAt = time.Time{}

		return true
	})
}

// CompleteTask forces a terminal state regardless of counters.
func (s *Store) CompleteTask(ctx context.Context, id int64, success bool, errorMessage string) {
	if success {
		s.finish(ctx, id, task.StatusCompleted, errorMessage, "")
		return
	}

	s.finish(ctx, id, task.StatusFailed, errorMessage, task.ReasonInternal)
}

// FailTask forces FAILED with a machine readable reason.
func (s *Store) FailTask(ctx context.Context, id int64, reason task.FailureReason, errorMessage string) {
	s.finish(ctx, id, task.StatusFailed, errorMessage, reason)
}

func (s *Store) finish(ctx context.Context, id int64, status task.Status, msg string, reason task.FailureReason) {
	s.mutate(ctx, id, func(t *task.Task) bool {
		s.finishLocked(t, status, msg, reason)
		return true
	})
}

func (s *Store) finishLocked(t *task.Task, status task.Status, msg string, reason task.FailureReason) {
	t.Status = status
	t.ErrorMessage = msg
	t.FailureReason = reason
	t.CompletedAt = s.now()

	delete(s.live, t.ID)
}

// ResetTask returns a finished or waiting task to DOWNLOADING with cleared counters, paths
// and error. It reports false when the task is missing or still queued or downloading.
func (s *Store) ResetTask(ctx context.Context, id int64) bool {
	reset := false

	s.mutate(ctx, id, func(t *task.Task) bool {
		if t.Status == task.StatusQueued || t.Status == task.StatusDownloading {
			return false
		}

		t.Status = task.StatusDownloading
		t.CompletedFiles = 0
		t.FailedFiles = 0
		t.FilePaths = nil
		t.ErrorMessage = ""
		t.FailureReason = ""
		t.CompletedAt = time.Time{}
		delete(s.live, t.ID)

		reset = true

		return true
	})

	return reset
}

// SetResolved records the resolved media count, and the title when the task has none.
func (s *Store) SetResolved(ctx context.Context, id int64, totalFiles int, title string) {
	s.mutate(ctx, id, func(t *task.Task) bool {
		t.TotalFiles = max(totalFiles, t.CompletedFiles+t.FailedFiles, 0)
		if t.Title == "" {
			t.Title = title
		}

		return true
	})
}

// PublishLive updates the transient progress of a task and notifies subscribers. Nothing
// is persisted.
func (s *Store) PublishLive(id int64, live task.Live) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.IsTerminal() {
		return
	}

	s.live[id] = live
	s.publishLocked()
}

// DeleteTask removes a task record. It reports whether the task existed.
func (s *Store) DeleteTask(ctx context.Context, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return false
	}

	delete(s.tasks, id)
	delete(s.live, id)
	s.commitLocked(ctx)

	return true
}

// DeleteAllTasks removes every task record. The id counter keeps counting.
func (s *Store) DeleteAllTasks(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.tasks)
	clear(s.live)
	s.commitLocked(ctx)
}

// GetTask returns a copy of the task.
func (s *Store) GetTask(id int64) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, false
	}

	return s.viewLocked(t), true
}

// GetAllTasks returns every task, newest first.
func (s *Store) GetAllTasks() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

// ActiveTasks returns the tasks that are queued, downloading or waiting for the user.
func (s *Store) ActiveTasks() []task.Task {
	all := s.GetAllTasks()

	return slices.DeleteFunc(all, func(t task.Task) bool { return !t.IsActive() })
}

// HasRecentTask reports whether a task for url is still active or was created within window.
func (s *Store) HasRecentTask(url string, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)

	for _, t := range s.tasks {
		if t.SourceURL != url {
			continue
		}

		if t.IsActive() || t.CreatedAt.After(cutoff) {
			return true
		}
	}

	return false
}

// Subscribe returns a channel that always holds the latest snapshot, starting with the
// current one. Intermediate snapshots are dropped for slow readers. Snapshots are shared
// between subscribers and must not be modified. Call cancel to stop and close the channel.
func (s *Store) Subscribe() (<-chan []task.Task, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan []task.Task, 1)
	ch <- s.snapshotLocked()

	id := s.subSeq
	s.subSeq++
	s.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *Store) mutate(ctx context.Context, id int64, fn func(t *task.Task) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return
	}

	if fn(t) {
		s.commitLocked(ctx)
	}
}

func (s *Store) commitLocked(ctx context.Context) {
	s.persistLocked(ctx)
	s.publishLocked()
}

// persistLocked writes the full snapshot. Failures are logged; memory stays authoritative.
func (s *Store) persistLocked(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	list := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, *t)
	}

	sortNewestFirst(list)

	data, err := json.Marshal(list)
	if err != nil {
		logger.ErrorContext(ctx, "failed to encode task snapshot", "err", err)
		return
	}

	if err := s.kv.Put(ctx, storage.KeyTasks, string(data)); err != nil {
		logger.ErrorContext(ctx, "failed to persist tasks", "err", err)
	}

	if err := s.kv.Put(ctx, storage.KeyNextID, strconv.FormatInt(s.nextID, 10)); err != nil {
		logger.ErrorContext(ctx, "failed to persist next task id", "err", err)
	}
}

func (s *Store) publishLocked() {
	if len(s.subs) == 0 {
		return
	}

	snap := s.snapshotLocked()

	for _, ch := range s.subs {
		// Only this goroutine sends, under s.mu, so after draining the send cannot block.
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (s *Store) snapshotLocked() []task.Task {
	list := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, s.viewLocked(t))
	}

	sortNewestFirst(list)

	return list
}

func (s *Store) viewLocked(t *task.Task) task.Task {
	v := t.Clone()
	v.Live = s.live[t.ID]

	return v
}

func sortNewestFirst(list []task.Task) {
	slices.SortFunc(list, func(a, b task.Task) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(b.ID, a.ID)
	})
}

func clamp01(f float64) float64 {
	return min(max(f, 0), 1)
}
