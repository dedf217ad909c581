package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/postdl/internal/admission"
	"github.com/italolelis/postdl/internal/downloader"
	"github.com/italolelis/postdl/internal/logctx"
	"github.com/italolelis/postdl/internal/resolver"
	"github.com/italolelis/postdl/internal/task"
)

// maxBodySize bounds request bodies. Crawled submissions carry a URL list and post text.
const maxBodySize = 1 << 20

// Engine is the task API served over HTTP.
type Engine interface {
	Submit(ctx context.Context, url, title string) (int64, error)
	SubmitCrawled(ctx context.Context, url string, mediaURLs []string, content string) (int64, error)
	Cancel(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64) error
	ContinueDespiteVideo(ctx context.Context, id int64) error
	Observe() (<-chan []task.Task, func())
	Tasks() []task.Task
	Task(id int64) (task.Task, bool)
	DeleteTask(ctx context.Context, id int64) error
	ClearHistory(ctx context.Context)
	Preview(ctx context.Context, url string) (downloader.Preview, error)
	Describe(ctx context.Context, url string) (string, error)
}

type TaskHandler struct {
	engine   Engine
	username string
	password string
}

// NewTaskHandler creates the task API handler. Basic auth is enforced when username is set.
func NewTaskHandler(engine Engine, username, password string) *TaskHandler {
	return &TaskHandler{engine: engine, username: username, password: password}
}

func (h *TaskHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/preview", h.HandlePreview)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.HandleSubmit)
			r.Get("/", h.HandleList)
			r.Delete("/", h.HandleClear)
			r.Post("/crawled", h.HandleSubmitCrawled)
			r.Get("/events", h.HandleEvents)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.HandleGet)
				r.Delete("/", h.HandleDelete)
				r.Post("/cancel", h.action(h.engine.Cancel))
				r.Post("/retry", h.action(h.engine.Retry))
				r.Post("/continue", h.action(h.engine.ContinueDespiteVideo))
			})
		})
	})

	return r
}

type submitRequest struct {
	// URL may be a bare link or the text of a share sheet containing one.
	URL   string `json:"url"`
	Title string `json:"title"`
}

type crawledRequest struct {
	URL       string   `json:"url"`
	MediaURLs []string `json:"mediaUrls"`
	Content   string   `json:"content"`
}

type submitResponse struct {
	ID int64 `json:"id"`
}

// HandleSubmit starts a task for a shared post link.
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req submitRequest
	if err := decode(w, r, &req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")

		return
	}

	link, ok := resolver.ExtractFirstURL(req.URL)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_url", "no link found in url")
		return
	}

	id, err := h.engine.Submit(r.Context(), link, req.Title)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

// HandleSubmitCrawled starts a task for media URLs the caller collected from the post page.
func (h *TaskHandler) HandleSubmitCrawled(w http.ResponseWriter, r *http.Request) {
	var req crawledRequest
	if err := decode(w, r, &req); err != nil || req.URL == "" || len(req.MediaURLs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "url and mediaUrls are required")
		return
	}

	id, err := h.engine.SubmitCrawled(r.Context(), req.URL, req.MediaURLs, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (h *TaskHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toResponses(h.engine.Tasks()))
}

func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	t, found := h.engine.Task(id)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", downloader.ErrTaskNotFound.Error())
		return
	}

	writeJSON(w, http.StatusOK, toResponse(t))
}

func (h *TaskHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	if err := h.engine.DeleteTask(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearHistory(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type previewResponse struct {
	downloader.Preview
	Text string `json:"text,omitempty"`
}

// HandlePreview counts the media of a post. With text=true the post text is included.
func (h *TaskHandler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	link, ok := resolver.ExtractFirstURL(r.URL.Query().Get("url"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_url", "no link found in url")
		return
	}

	p, err := h.engine.Preview(r.Context(), link)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := previewResponse{Preview: p}

	if withText, _ := strconv.ParseBool(r.URL.Query().Get("text")); withText {
		if resp.Text, err = h.engine.Describe(r.Context(), link); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleEvents streams task snapshots as server-sent events until the client goes away. The
// feed opens with the current snapshot.
func (h *TaskHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}

	updates, stop := h.engine.Observe()
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(tasks []task.Task) bool {
		data, err := json.Marshal(toResponses(tasks))
		if err != nil {
			logger.Error("failed to encode tasks", "err", err)
			return false
		}

		if _, err := fmt.Fprintf(w, "event: tasks\ndata: %s\n\n", data); err != nil {
			return false
		}

		flusher.Flush()

		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case tasks, ok := <-updates:
			if !ok || !send(tasks) {
				return
			}
		}
	}
}

func (h *TaskHandler) action(fn func(context.Context, int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskID(w, r)
		if !ok {
			return
		}

		if err := fn(r.Context(), id); err != nil {
			h.fail(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *TaskHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}

	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, admission.ErrDuplicateInFlight):
		return http.StatusConflict, "duplicate_in_flight"
	case errors.Is(err, admission.ErrRecentDuplicate):
		return http.StatusConflict, "recent_duplicate"
	case errors.Is(err, admission.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, downloader.ErrTaskNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, downloader.ErrNotRetryable),
		errors.Is(err, downloader.ErrNotWaiting),
		errors.Is(err, downloader.ErrNotActive):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, downloader.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case resolver.IsResolutionFailure(err):
		return http.StatusUnprocessableEntity, "resolution_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *TaskHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="postdl"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid task id")
		return 0, false
	}

	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}
