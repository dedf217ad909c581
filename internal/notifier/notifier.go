// Package notifier turns task store updates into user-facing notifications.
package notifier

import (
	"context"
	"errors"

	"github.com/italolelis/postdl/internal/logctx"
	"github.com/italolelis/postdl/internal/task"
)

type EventKind string

const (
	EventCreated   EventKind = "created"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventWaiting   EventKind = "waiting"
)

// Event is one task transition.
type Event struct {
	Kind EventKind
	Task task.Task
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes events to the context logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, e Event) error {
	logger := logctx.LoggerFromContext(ctx).With("task_id", e.Task.ID, "event", e.Kind)

	switch e.Kind {
	case EventProgress:
		logger.Debug("task progress", "completed", e.Task.CompletedFiles, "failed", e.Task.FailedFiles, "total", e.Task.TotalFiles)
	case EventFailed:
		logger.Warn("task failed", "url", e.Task.SourceURL, "reason", e.Task.FailureReason, "err", e.Task.ErrorMessage)
	default:
		logger.Info("task "+string(e.Kind), "url", e.Task.SourceURL, "status", e.Task.Status)
	}

	return nil
}

// Multi fans an event out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error

	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Diff returns the events that lead from prev to next. Tasks only in next are created;
// a changed status or file counter yields one event for the new state.
func Diff(prev, next []task.Task) []Event {
	old := make(map[int64]task.Task, len(prev))
	for _, t := range prev {
		old[t.ID] = t
	}

	var events []Event

	// Snapshots are newest first; report oldest first.
	for i := len(next) - 1; i >= 0; i-- {
		t := next[i]

		before, seen := old[t.ID]
		if !seen {
			events = append(events, Event{Kind: EventCreated, Task: t})

			if t.IsTerminal() || t.Status == task.StatusWaitingForUser {
				events = append(events, Event{Kind: kindOf(t.Status), Task: t})
			}

			continue
		}

		if before.Status != t.Status {
			if k := kindOf(t.Status); k != "" {
				events = append(events, Event{Kind: k, Task: t})
			}

			continue
		}

		if t.Status == task.StatusDownloading &&
			(before.CompletedFiles != t.CompletedFiles || before.FailedFiles != t.FailedFiles) {
			events = append(events, Event{Kind: EventProgress, Task: t})
		}
	}

	return events
}

func kindOf(s task.Status) EventKind {
	switch s {
	case task.StatusCompleted:
		return EventCompleted
	case task.StatusFailed:
		return EventFailed
	case task.StatusWaitingForUser:
		return EventWaiting
	default:
		return ""
	}
}

// Watch delivers the events between consecutive snapshots until ctx is done or updates is
// closed. initial is the state the caller already knows about and is not reported.
func Watch(ctx context.Context, initial []task.Task, updates <-chan []task.Task, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)
	prev := initial

	for {
		select {
		case <-ctx.Done():
			logger.Info("notification watcher shutting down")
			return
		case next, ok := <-updates:
			if !ok {
				return
			}

			for _, e := range Diff(prev, next) {
				if err := n.Notify(ctx, e); err != nil {
					logger.Error("failed to send notification", "task_id", e.Task.ID, "event", e.Kind, "err", err)
				}
			}

			prev = next
		}
	}
}
