package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		active   bool
		terminal bool
	}{
		{StatusQueued, true, false},
		{StatusDownloading, true, false},
		{StatusWaitingForUser, true, false},
		{StatusCompleted, false, true},
		{StatusFailed, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.active, tt.status.IsActive())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestTask_Progress(t *testing.T) {
	assert.InDelta(t, 0.0, Task{}.Progress(), 0)
	assert.InDelta(t, 0.5, Task{TotalFiles: 4, CompletedFiles: 2}.Progress(), 1e-9)
}

func TestTask_JSONRecord(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_123)
	in := Task{
		ID:             7,
		SourceURL:      "https://www.xiaohongshu.com/explore/abc",
		Title:          "trip",
		Kind:           KindVideo,
		TotalFiles:     2,
		CompletedFiles: 1,
		FailedFiles:    1,
		Status:         StatusFailed,
		CreatedAt:      created,
		ErrorMessage:   "some files failed to download",
		FailureReason:  ReasonPartial,
		FilePaths:      []string{"/d/xhs_abc_01.jpg"},
		Live:           Live{Fraction: 0.5},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, 1_700_000_000_123, raw["createdAt"])
	assert.EqualValues(t, 0, raw["completedAt"])
	assert.NotContains(t, raw, "Live")

	var out Task
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.CompletedAt.IsZero())
	assert.Equal(t, created.UnixMilli(), out.CreatedAt.UnixMilli())

	in.Live = Live{}
	in.CreatedAt = out.CreatedAt
	assert.Equal(t, in, out)
}

func TestTask_UnmarshalTolerant(t *testing.T) {
	var tk Task
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"mediaKind":"AUDIO","status":"PAUSED","totalFiles":-3}`), &tk))

	assert.Equal(t, KindUnknown, tk.Kind)
	assert.Equal(t, StatusCompleted, tk.Status)
	assert.Equal(t, 0, tk.TotalFiles)
}

func TestDecodeList(t *testing.T) {
	data := []byte(`[{"id":1,"status":"COMPLETED"},{"id":"broken"},{"id":2,"status":"QUEUED"},{"status":"QUEUED"}]`)

	tasks, skipped, err := DecodeList(data)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, tasks, 2)
	assert.Equal(t, int64(1), tasks[0].ID)
	assert.Equal(t, int64(2), tasks[1].ID)

	_, _, err = DecodeList([]byte(`{"not":"a list"}`))
	require.Error(t, err)
}

func TestTask_Clone(t *testing.T) {
	orig := Task{FilePaths: []string{"a"}}
	c := orig.Clone()
	c.FilePaths[0] = "b"

	assert.Equal(t, "a", orig.FilePaths[0])
}
