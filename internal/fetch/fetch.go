// Package fetch streams remote media files to disk.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/postdl/internal/downloader/progress"
	"github.com/italolelis/postdl/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const chunkSize = 64 * 1024

// Request describes one file to fetch.
type Request struct {
	URL string
	// Dest picks the destination once the response Content-Type is known, after
	// OnResponse. The returned path belongs to the fetch: it is replaced by the content, or
	// removed when the fetch fails.
	Dest func(contentType string) (string, error)
	// OnResponse runs with the response Content-Type before the body is read. A non-nil
	// error aborts the fetch and is returned as is.
	OnResponse func(contentType string) error
	// OnProgress runs after every chunk with the bytes written so far and the expected
	// size, -1 when the server did not announce one.
	OnProgress func(downloaded, total int64)
}

// Result describes a fetched file.
type Result struct {
	Path        string
	Bytes       int64
	ContentType string
}

// Fetcher writes the content at a URL to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHeaders sets the User-Agent and Referer sent with every request.
func WithHeaders(userAgent, referer string) Option {
	return func(f *HTTPFetcher) {
		f.userAgent = userAgent
		f.referer = referer
	}
}

// WithRateLimit caps the combined throughput of all fetches. Zero or less disables the cap.
func WithRateLimit(bytesPerSecond int) Option {
	return func(f *HTTPFetcher) {
		if bytesPerSecond <= 0 {
			f.limiter = nil
			return
		}

		f.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), max(bytesPerSecond, chunkSize))
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = c }
}

// HTTPFetcher fetches over HTTP(S). Content is written to a unique ".part" file next to the
// destination and renamed once complete, so a failed or cancelled fetch never leaves a
// truncated file behind.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	referer   string
	limiter   *rate.Limiter
}

func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "*/*")

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	if f.referer != "" {
		req.Header.Set("Referer", f.referer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, stopCause(ctx, fmt.Errorf("failed to request file: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &StatusError{URL: r.URL, StatusCode: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")

	if r.OnResponse != nil {
		if err := r.OnResponse(contentType); err != nil {
			return Result{}, err
		}
	}

	dest, err := r.Dest(contentType)
	if err != nil {
		return Result{}, fmt.Errorf("failed to pick destination: %w", err)
	}

	logger.DebugContext(ctx, "downloading file", "target", dest, "file_size", sizeOf(resp.ContentLength))

	written, err := f.writeFile(ctx, dest, resp.Body, resp.ContentLength, r.OnProgress)
	if err != nil {
		_ = os.Remove(dest)

		return Result{}, err
	}

	logger.InfoContext(ctx, "downloaded and saved file", "target", dest, "file_size", humanize.Bytes(uint64(written)))

	return Result{Path: dest, Bytes: written, ContentType: contentType}, nil
}

func (f *HTTPFetcher) writeFile(ctx context.Context, dest string, body io.Reader, total int64, cb func(int64, int64)) (int64, error) {
	out, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("failed to create target file: %w", err)
	}

	part := out.Name()

	var src io.Reader = progress.NewReader(ctx, body, total, 0, cb)
	if f.limiter != nil {
		src = &limitedReader{ctx: ctx, r: src, limiter: f.limiter}
	}

	// Hide ReaderFrom so the copy goes through the chunk-sized buffer.
	written, err := io.CopyBuffer(struct{ io.Writer }{out}, src, make([]byte, chunkSize))
	if err == nil {
		err = out.Sync()
	}

	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err == nil && total > 0 && written != total {
		err = fmt.Errorf("short body: got %d of %d bytes", written, total)
	}

	if err != nil {
		_ = os.Remove(part)

		return 0, stopCause(ctx, fmt.Errorf("failed to write file: %w", err))
	}

	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)

		return 0, fmt.Errorf("failed to move file into place: %w", err)
	}

	return written, nil
}

// stopCause prefers the cancellation cause of ctx over the transport error it produced.
func stopCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			return fmt.Errorf("%w: %w", cause, err)
		}
	}

	return err
}

func sizeOf(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if len(p) > l.limiter.Burst() {
		p = p[:l.limiter.Burst()]
	}

	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, stopCause(l.ctx, werr)
		}
	}

	return n, err
}
