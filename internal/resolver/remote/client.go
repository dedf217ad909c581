// Package remote is a Resolver backed by an HTTP extraction service.
//
// The service exposes:
//
//	GET /v1/resolve?url=<link>  -> 200 {"postId": "...", "items": [{"url": "...", "video": false}], "text": "..."}
//	GET /v1/count?url=<link>    -> 200 {"count": 3}
//
// 404 means the post has no media and 422 that no post id could be extracted.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/postdl/internal/logctx"
	"github.com/italolelis/postdl/internal/resolver"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Config configures the client.
type Config struct {
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token          string
	Timeout        time.Duration
	MaxRetries     uint
	InitialBackoff time.Duration
}

// Client implements resolver.Resolver and resolver.Normalizer.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     uint
	initialBackoff time.Duration
}

func NewClient(cfg Config) *Client {
	var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)

	if cfg.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
			Base:   transport,
		}
	}

	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		maxRetries:     cfg.MaxRetries,
		initialBackoff: initial,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type countResponse struct {
	Count int `json:"count"`
}

// Resolve fetches the media list of a post. Every failure is reported as a
// *resolver.ResolutionError.
func (c *Client) Resolve(ctx context.Context, link string) (*resolver.Result, error) {
	var res resolver.Result

	if err := c.getWithRetry(ctx, "resolve", link, &res); err != nil {
		if resolver.IsResolutionFailure(err) {
			return nil, err
		}

		return nil, &resolver.ResolutionError{URL: link, Reason: resolver.ErrFetchFailed, Err: err}
	}

	items := res.Items[:0]
	for _, it := range res.Items {
		if it.URL == "" {
			continue
		}

		it.IsVideo = it.IsVideo || resolver.IsVideoURL(it.URL)
		items = append(items, it)
	}

	res.Items = items

	if len(res.Items) == 0 {
		return nil, &resolver.ResolutionError{URL: link, Reason: resolver.ErrNoMedia}
	}

	if res.PostID == "" {
		res.PostID, _ = resolver.ExtractPostID(link)
	}

	return &res, nil
}

// CountMedia asks the service how many media items the post has.
func (c *Client) CountMedia(ctx context.Context, link string) (int, error) {
	var res countResponse

	if err := c.getWithRetry(ctx, "count", link, &res); err != nil {
		return 0, err
	}

	return max(res.Count, 0), nil
}

func (c *Client) ResolvePostID(link string) (string, bool) {
	return resolver.ExtractPostID(link)
}

func (c *Client) Normalize(link string) string {
	return resolver.TransformCDNURL(link)
}

func (c *Client) getWithRetry(ctx context.Context, operation, link string, out any) error {
	logger := logctx.LoggerFromContext(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.get(ctx, operation, link, out)
		if err == nil {
			return struct{}{}, nil
		}

		var netErr *resolver.NetworkError
		if errors.As(err, &netErr) && netErr.Temporary() {
			return struct{}{}, err
		}

		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WarnContext(ctx, "resolver request failed, retrying", "operation", operation, "retry_in", next, "err", err)
		}),
	)

	return err
}

func (c *Client) get(ctx context.Context, operation, link string, out any) error {
	endpoint := fmt.Sprintf("%s/v1/%s?url=%s", c.baseURL, operation, url.QueryEscape(link))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &resolver.NetworkError{Operation: operation, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &resolver.ResolutionError{URL: link, Reason: resolver.ErrNoMedia}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return &resolver.ResolutionError{URL: link, Reason: resolver.ErrNoPostID}
	case resp.StatusCode != http.StatusOK:
		return &resolver.NetworkError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Message:    readError(resp.Body),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", operation, err)
	}

	return nil
}

func readError(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))

	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return er.Error
	}

	return strings.TrimSpace(string(data))
}
