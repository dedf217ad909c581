// Package task holds the download task model shared by the store, the engine and the
// API surfaces.
package task

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a download task.
type Status string

const (
	StatusQueued         Status = "QUEUED"
	StatusDownloading    Status = "DOWNLOADING"
	StatusWaitingForUser Status = "WAITING_FOR_USER"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
)

// IsActive reports whether a task in this status is still owned by the engine or the user.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusDownloading || s == StatusWaitingForUser
}

// IsTerminal reports whether the status is COMPLETED or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// MediaKind classifies the content of a post.
type MediaKind string

const (
	KindImage   MediaKind = "IMAGE"
	KindVideo   MediaKind = "VIDEO"
	KindUnknown MediaKind = "UNKNOWN"
)

func (k MediaKind) valid() bool {
	return k == KindImage || k == KindVideo || k == KindUnknown
}

// FailureReason tells callers why a task failed without parsing ErrorMessage.
type FailureReason string

const (
	// ReasonResolution means the media list could not be resolved; the caller may
	// offer the alternate (crawled) path.
	ReasonResolution  FailureReason = "resolution"
	ReasonPartial     FailureReason = "partial"
	ReasonCancelled   FailureReason = "cancelled"
	ReasonInterrupted FailureReason = "interrupted"
	ReasonSuperseded  FailureReason = "superseded"
	ReasonInternal    FailureReason = "internal"
)

// Live is the transient progress of a running task. It is never persisted.
type Live struct {
	Fraction       float64 `json:"fraction"`
	Percent        float64 `json:"percent"`
	BytesPerSecond float64 `json:"bytesPerSecond"`
	Speed          string  `json:"speed"`
	Label          string  `json:"label"`
}

// Task is one user-initiated download of all media in a post.
type Task struct {
	ID             int64
	SourceURL      string
	Title          string
	Kind           MediaKind
	TotalFiles     int
	CompletedFiles int
	FailedFiles    int
	Status         Status
	CreatedAt      time.Time
	CompletedAt    time.Time
	ErrorMessage   string
	FailureReason  FailureReason
	FilePaths      []string

	Live Live
}

// Progress is the share of files that finished successfully.
func (t Task) Progress() float64 {
	if t.TotalFiles <= 0 {
		return 0
	}

	return float64(t.CompletedFiles) / float64(t.TotalFiles)
}

func (t Task) IsActive() bool   { return t.Status.IsActive() }
func (t Task) IsTerminal() bool { return t.Status.IsTerminal() }

// Clone returns a copy that shares no memory with t.
func (t Task) Clone() Task {
	if t.FilePaths != nil {
		t.FilePaths = append([]string(nil), t.FilePaths...)
	}

	return t
}

// record is the persisted shape of a task. Times are epoch milliseconds, 0 meaning unset.
type record struct {
	ID             int64         `json:"id"`
	SourceURL      string        `json:"sourceUrl"`
	Title          string        `json:"title"`
	Kind           MediaKind     `json:"mediaKind"`
	TotalFiles     int           `json:"totalFiles"`
	CompletedFiles int           `json:"completedFiles"`
	FailedFiles    int           `json:"failedFiles"`
	Status         Status        `json:"status"`
	CreatedAt      int64         `json:"createdAt"`
	CompletedAt    int64         `json:"completedAt"`
	ErrorMessage   string        `json:"errorMessage"`
	FailureReason  FailureReason `json:"failureReason,omitempty"`
	FilePaths      []string      `json:"filePaths"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}

// MarshalJSON encodes the persisted record of the task. Live progress is dropped.
func (t Task) MarshalJSON() ([]byte, error) {
	paths := t.FilePaths
	if paths == nil {
		paths = []string{}
	}

	return json.Marshal(record{
		ID:             t.ID,
		SourceURL:      t.SourceURL,
		Title:          t.Title,
		Kind:           t.Kind,
		TotalFiles:     t.TotalFiles,
		CompletedFiles: t.CompletedFiles,
		FailedFiles:    t.FailedFiles,
		Status:         t.Status,
		CreatedAt:      toMillis(t.CreatedAt),
		CompletedAt:    toMillis(t.CompletedAt),
		ErrorMessage:   t.ErrorMessage,
		FailureReason:  t.FailureReason,
		FilePaths:      paths,
	})
}

// UnmarshalJSON decodes a persisted record. Unknown media kinds become UNKNOWN and
// unknown statuses become COMPLETED so old or foreign records stay listable.
func (t *Task) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}

	if !r.Kind.valid() {
		r.Kind = KindUnknown
	}

	if !r.Status.valid() {
		r.Status = StatusCompleted
	}

	*t = Task{
		ID:             r.ID,
		SourceURL:      r.SourceURL,
		Title:          r.Title,
		Kind:           r.Kind,
		TotalFiles:     max(r.TotalFiles, 0),
		CompletedFiles: max(r.CompletedFiles, 0),
		FailedFiles:    max(r.FailedFiles, 0),
		Status:         r.Status,
		CreatedAt:      fromMillis(r.CreatedAt),
		CompletedAt:    fromMillis(r.CompletedAt),
		ErrorMessage:   r.ErrorMessage,
		FailureReason:  r.FailureReason,
		FilePaths:      r.FilePaths,
	}

	return nil
}

// DecodeList decodes a persisted JSON array, skipping records that fail to decode.
// It returns the number of skipped records.
func DecodeList(data []byte) ([]Task, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, err
	}

	tasks := make([]Task, 0, len(raw))
	skipped := 0

	for _, r := range raw {
		var t Task
		if err := json.Unmarshal(r, &t); err != nil || t.ID <= 0 {
			skipped++
			continue
		}

		tasks = append(tasks, t)
	}

	return tasks, skipped, nil
}
