package downloader

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/postdl/internal/downloader/progress"
	"github.com/italolelis/postdl/internal/fetch"
	"github.com/italolelis/postdl/internal/logctx"
	"github.com/italolelis/postdl/internal/media"
	"github.com/italolelis/postdl/internal/resolver"
	"github.com/italolelis/postdl/internal/task"
)

// liveInterval limits how often byte progress is published to observers.
const liveInterval = 200 * time.Millisecond

// maxTitleLen bounds titles derived from post text.
const maxTitleLen = 80

type run struct {
	id         int64
	url        string
	resolver   resolver.Resolver
	allowVideo bool
	startedAt  time.Time
}

type outcome struct {
	total     int
	completed int
	failed    int
	// err ends the task as failed; resolution tells resolver errors apart.
	err        error
	resolution bool
}

func (d *Downloader) work(ctx context.Context, h *handle, r run) {
	defer d.wg.Done()
	defer close(h.done)
	defer d.guard.Release(r.url)

	ctx = logctx.WithTaskID(ctx, r.id)
	logger := logctx.LoggerFromContext(ctx)

	var out outcome

	_ = d.telemetry.InstrumentTask(ctx, func(ctx context.Context) error {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("task worker panic", "panic", p, "stack", string(debug.Stack()))
				d.telemetry.RecordSystemError("downloader", "panic")

				out.err = &errPanic{value: p}
			}
		}()

		out = d.run(ctx, h, r)

		return out.err
	})

	d.settle(ctx, r, out)
}

func (d *Downloader) run(ctx context.Context, h *handle, r run) outcome {
	logger := logctx.LoggerFromContext(ctx)

	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			return outcome{}
		}
	}

	res, err := r.resolver.Resolve(ctx, r.url)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{}
		}

		return outcome{err: err, resolution: true}
	}

	items := d.plan(d.cfg.VideoPolicy.Select(res.Items))
	if len(items) == 0 {
		return outcome{err: &resolver.ResolutionError{URL: r.url, Reason: resolver.ErrNoMedia}, resolution: true}
	}

	out := outcome{total: len(items)}

	d.store.SetResolved(ctx, r.id, len(items), titleFrom(res.Text))

	if hasVideo(items) {
		d.store.UpdateTaskType(ctx, r.id, task.KindVideo)

		if !r.allowVideo {
			logger.Info("video found, waiting for confirmation", "items", len(items))
			h.cancel(&StopError{Reason: StopVideoPolicy})

			return out
		}
	}

	d.store.StartTask(ctx, r.id)

	postID := res.PostID
	if postID == "" {
		postID, _ = r.resolver.ResolvePostID(r.url)
	}

	postID = cmp.Or(postID, fmt.Sprintf("task%d", r.id))

	agg := progress.NewAggregator(len(items))
	pub := &publisher{store: d.store, id: r.id}

	logger.Info("downloading post", "post_id", postID, "items", len(items))

	for i, item := range items {
		if ctx.Err() != nil {
			break
		}

		result, err := d.fetchItem(ctx, h, r, agg, pub, postID, i+1, item)

		if ctx.Err() != nil {
			if err == nil {
				_ = os.Remove(result.Path)
			}

			break
		}

		if err != nil {
			out.failed++

			logger.Warn("failed to download file", "index", i+1, "url", item.URL, "err", err)
			d.telemetry.RecordFile(string(media.KindOf(result.Path)), "error", 0)

			d.store.UpdateProgress(ctx, r.id, out.completed, out.failed, 0)
			pub.force(agg.FileFailed())

			continue
		}

		out.completed++

		logger.Info("downloaded file", "path", result.Path, "size", humanize.Bytes(uint64(max(result.Bytes, 0))))
		d.telemetry.RecordFile(string(media.KindOf(result.Path)), "success", result.Bytes)

		d.store.AddFilePath(ctx, r.id, result.Path)
		d.store.UpdateProgress(ctx, r.id, out.completed, out.failed, 0)
		pub.force(agg.FileCompleted())

		d.mirrorFile(ctx, result.Path)
	}

	return out
}

// plan expands live photos into a still and a plain video when motion photos are off.
func (d *Downloader) plan(items []resolver.Item) []resolver.Item {
	if d.cfg.LivePhotos {
		return items
	}

	out := make([]resolver.Item, 0, len(items))

	for _, it := range items {
		out = append(out, resolver.Item{URL: it.URL, IsVideo: it.IsVideo})

		if it.LiveVideo != "" {
			out = append(out, resolver.Item{URL: it.LiveVideo, IsVideo: true})
		}
	}

	return out
}

func (d *Downloader) fetchItem(
	ctx context.Context,
	h *handle,
	r run,
	agg *progress.Aggregator,
	pub *publisher,
	postID string,
	index int,
	item resolver.Item,
) (fetch.Result, error) {
	link := normalize(r, item.URL)

	result, err := d.fetcher.Fetch(ctx, fetch.Request{
		URL: link,
		// The name is reserved once the Content-Type is known, so it picks the extension
		// and two tasks of the same post never share a file.
		Dest: func(contentType string) (string, error) {
			ext := media.Extension(contentType, link, item.IsVideo)
			return media.Reserve(d.cfg.Dir, d.namer.NameFor(postID, index, ext))
		},
		OnResponse: func(contentType string) error {
			return d.checkVideo(ctx, h, r, contentType)
		},
		OnProgress: func(downloaded, total int64) {
			pub.maybe(agg.Update(downloaded, total))
		},
	})
	if err != nil || item.LiveVideo == "" {
		return result, err
	}

	return d.mergeLive(ctx, r, agg, pub, result, item.LiveVideo)
}

// checkVideo stops the run when a response announces a video the task has not opted into.
func (d *Downloader) checkVideo(ctx context.Context, h *handle, r run, contentType string) error {
	if !media.IsVideoContentType(contentType) {
		return nil
	}

	d.store.UpdateTaskType(ctx, r.id, task.KindVideo)

	if r.allowVideo {
		return nil
	}

	stop := &StopError{Reason: StopVideoPolicy}
	h.cancel(stop)

	return stop
}

// mergeLive fetches the clip of a live photo and folds it into the still as a motion photo.
// The still is kept on its own when the clip cannot be fetched or merged.
func (d *Downloader) mergeLive(
	ctx context.Context,
	r run,
	agg *progress.Aggregator,
	pub *publisher,
	still fetch.Result,
	clipURL string,
) (fetch.Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	clip, err := d.fetcher.Fetch(ctx, fetch.Request{
		URL: normalize(r, clipURL),
		Dest: func(string) (string, error) {
			f, err := os.CreateTemp(d.cfg.Dir, ".live-*.mp4")
			if err != nil {
				return "", err
			}

			return f.Name(), f.Close()
		},
		OnProgress: func(downloaded, total int64) {
			pub.maybe(agg.Update(downloaded, total))
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			_ = os.Remove(still.Path)
			return fetch.Result{}, err
		}

		logger.Warn("failed to fetch live photo clip, keeping the still", "url", clipURL, "err", err)

		return still, nil
	}
	defer os.Remove(clip.Path)

	live, err := media.Reserve(d.cfg.Dir, media.LiveName(filepath.Base(still.Path)))
	if err == nil {
		err = media.WriteMotionPhoto(still.Path, clip.Path, live)
	}

	if err == nil {
		_, _, err = media.MotionPhotoClip(live)
	}

	if err != nil {
		if live != "" {
			_ = os.Remove(live)
		}

		logger.Warn("failed to create live photo, keeping the still", "still", still.Path, "err", err)

		return still, nil
	}

	_ = os.Remove(still.Path)

	return fetch.Result{Path: live, Bytes: still.Bytes + clip.Bytes, ContentType: "image/jpeg"}, nil
}

func normalize(r run, link string) string {
	if n, ok := r.resolver.(resolver.Normalizer); ok {
		return n.Normalize(link)
	}

	return link
}

func (d *Downloader) mirrorFile(ctx context.Context, path string) {
	if d.mirror == nil {
		return
	}

	location, err := d.mirror.Publish(ctx, path)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to mirror file", "path", path, "err", err)
		return
	}

	logctx.LoggerFromContext(ctx).Debug("file mirrored", "path", path, "location", location)
}

// settle records the final state of a run. It holds the engine lock so it is ordered with
// Cancel: a cancel that already failed the task is never overwritten.
func (d *Downloader) settle(ctx context.Context, r run, out outcome) {
	logger := logctx.LoggerFromContext(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.active, r.id)

	t, ok := d.store.GetTask(r.id)
	if !ok {
		logger.Debug("task deleted while running")
		return
	}

	reason, stopped := StopReasonOf(context.Cause(ctx))

	switch {
	case stopped && t.IsTerminal():
	case stopped && reason == StopVideoPolicy:
		d.store.UpdateTaskStatus(ctx, r.id, task.StatusWaitingForUser, VideoWaitingMessage)
	case stopped && reason == StopUser:
		d.store.FailTask(ctx, r.id, task.ReasonCancelled, CancelledMessage)
	case stopped && reason == StopShutdown:
		d.store.FailTask(ctx, r.id, task.ReasonInterrupted, InterruptedMessage)
	case out.err != nil && out.resolution:
		d.store.FailTask(ctx, r.id, task.ReasonResolution, out.err.Error())
	case out.err != nil:
		d.store.FailTask(ctx, r.id, task.ReasonInternal, out.err.Error())
	case out.failed > 0:
		d.store.FailTask(ctx, r.id, task.ReasonPartial,
			fmt.Sprintf("%d of %d files failed to download", out.failed, out.total))
	case !t.IsTerminal():
		d.store.CompleteTask(ctx, r.id, true, "")
	}

	final, _ := d.store.GetTask(r.id)

	// Only failed tasks can be retried; anything else no longer needs its crawled media
	// list, and a finished run has used its video opt-in.
	if final.Status != task.StatusFailed {
		delete(d.crawled, r.id)
	}

	if final.Status == task.StatusCompleted {
		delete(d.optIn, r.url)
	}

	d.telemetry.RecordTask(string(final.Status), string(final.FailureReason), time.Since(r.startedAt))

	logger.Info("task run finished",
		"status", final.Status,
		"reason", final.FailureReason,
		"completed", final.CompletedFiles,
		"failed", final.FailedFiles,
		"total", final.TotalFiles,
		"duration", time.Since(r.startedAt).String(),
	)
}

// publisher rate limits live progress publication of one task.
type publisher struct {
	store interface{ PublishLive(int64, task.Live) }
	id    int64

	mu   sync.Mutex
	last time.Time
}

func (p *publisher) maybe(s progress.Snapshot) {
	p.mu.Lock()
	if time.Since(p.last) < liveInterval {
		p.mu.Unlock()
		return
	}

	p.last = time.Now()
	p.mu.Unlock()

	p.store.PublishLive(p.id, task.Live(s))
}

func (p *publisher) force(s progress.Snapshot) {
	p.mu.Lock()
	p.last = time.Now()
	p.mu.Unlock()

	p.store.PublishLive(p.id, task.Live(s))
}

func hasVideo(items []resolver.Item) bool {
	for _, it := range items {
		if it.IsVideo {
			return true
		}
	}

	return false
}

// titleFrom uses the first non-empty line of the post text.
func titleFrom(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if r := []rune(line); len(r) > maxTitleLen {
			return string(r[:maxTitleLen])
		}

		return line
	}

	return ""
}
