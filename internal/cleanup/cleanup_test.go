package cleanup

import (
	"context"
	"testing"

	"github.com/italolelis/postdl/internal/storage/memory"
	"github.com/italolelis/postdl/internal/task"
	"github.com/italolelis/postdl/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailInterrupted(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewKV()

	store, err := taskstore.New(ctx, kv)
	require.NoError(t, err)

	queued := store.CreateTask(ctx, "https://x/q", "", task.KindImage, 1)
	downloading := store.CreateTask(ctx, "https://x/d", "", task.KindImage, 2)
	store.StartTask(ctx, downloading)
	waiting := store.CreateTask(ctx, "https://x/w", "", task.KindVideo, 1)
	store.UpdateTaskStatus(ctx, waiting, task.StatusWaitingForUser, "video")
	done := store.CreateTask(ctx, "https://x/c", "", task.KindImage, 1)
	store.CompleteTask(ctx, done, true, "")

	// A new process loads the snapshot written by the old one.
	reloaded, err := taskstore.New(ctx, kv)
	require.NoError(t, err)

	assert.Equal(t, 2, FailInterrupted(ctx, reloaded))

	for _, id := range []int64{queued, downloading} {
		tk, ok := reloaded.GetTask(id)
		require.True(t, ok)
		assert.Equal(t, task.StatusFailed, tk.Status)
		assert.Equal(t, task.ReasonInterrupted, tk.FailureReason)
		assert.Equal(t, InterruptedMessage, tk.ErrorMessage)
	}

	tk, _ := reloaded.GetTask(waiting)
	assert.Equal(t, task.StatusWaitingForUser, tk.Status)

	tk, _ = reloaded.GetTask(done)
	assert.Equal(t, task.StatusCompleted, tk.Status)

	assert.Zero(t, FailInterrupted(ctx, reloaded))
}
