// Package cleanup repairs task state left behind by a previous process.
package cleanup

import (
	"context"

	"github.com/italolelis/postdl/internal/logctx"
	"github.com/italolelis/postdl/internal/task"
)

// InterruptedMessage is stored on tasks that were running when the process stopped.
const InterruptedMessage = "interrupted by restart"

// Store is the part of the task store recovery needs.
type Store interface {
	ActiveTasks() []task.Task
	FailTask(ctx context.Context, id int64, reason task.FailureReason, errorMessage string)
}

// FailInterrupted fails tasks that were queued or downloading when the previous process
// exited, since no worker owns them anymore. Tasks waiting for the user keep waiting.
// It returns the number of tasks failed.
func FailInterrupted(ctx context.Context, store Store) int {
	logger := logctx.LoggerFromContext(ctx)

	n := 0

	for _, t := range store.ActiveTasks() {
		if t.Status != task.StatusQueued && t.Status != task.StatusDownloading {
			continue
		}

		store.FailTask(ctx, t.ID, task.ReasonInterrupted, InterruptedMessage)

		logger.Info("failed interrupted task", "task_id", t.ID, "url", t.SourceURL, "status", t.Status)

		n++
	}

	return n
}
