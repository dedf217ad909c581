package rest

import (
	"encoding/json"
	"net/http"

	"github.com/italolelis/postdl/internal/task"
)

type taskResponse struct {
	ID             int64              `json:"id"`
	SourceURL      string             `json:"sourceUrl"`
	Title          string             `json:"title,omitempty"`
	MediaKind      task.MediaKind     `json:"mediaKind"`
	Status         task.Status        `json:"status"`
	TotalFiles     int                `json:"totalFiles"`
	CompletedFiles int                `json:"completedFiles"`
	FailedFiles    int                `json:"failedFiles"`
	Progress       float64            `json:"progress"`
	CreatedAt      int64              `json:"createdAt"`
	CompletedAt    int64              `json:"completedAt,omitempty"`
	ErrorMessage   string             `json:"errorMessage,omitempty"`
	FailureReason  task.FailureReason `json:"failureReason,omitempty"`
	FilePaths      []string           `json:"filePaths"`
	Live           *task.Live         `json:"live,omitempty"`
}

func toResponse(t task.Task) taskResponse {
	resp := taskResponse{
		ID:             t.ID,
		SourceURL:      t.SourceURL,
		Title:          t.Title,
		MediaKind:      t.Kind,
		Status:         t.Status,
		TotalFiles:     t.TotalFiles,
		CompletedFiles: t.CompletedFiles,
		FailedFiles:    t.FailedFiles,
		Progress:       t.Progress(),
		CreatedAt:      t.CreatedAt.UnixMilli(),
		ErrorMessage:   t.ErrorMessage,
		FailureReason:  t.FailureReason,
		FilePaths:      t.FilePaths,
	}

	if !t.CompletedAt.IsZero() {
		resp.CompletedAt = t.CompletedAt.UnixMilli()
	}

	if resp.FilePaths == nil {
		resp.FilePaths = []string{}
	}

	if t.Live != (task.Live{}) {
		live := t.Live
		resp.Live = &live
	}

	return resp
}

func toResponses(tasks []task.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toResponse(t))
	}

	return out
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
