package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/postdl/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postLink = "https://www.xiaohongshu.com/explore/64f1a2b3"

func newTestClient(t *testing.T, h http.HandlerFunc, token string) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		BaseURL:        srv.URL + "/",
		Token:          token,
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	})
}

func TestClient_Resolve(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/resolve", r.URL.Path)
		assert.Equal(t, postLink, r.URL.Query().Get("url"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"url":"https://ci.xiaohongshu.com/a"},{"url":""},{"url":"https://sns-video-bd.xhscdn.com/b.mp4"}],"text":"caption"}`))
	}, "s3cret")

	res, err := c.Resolve(context.Background(), postLink)
	require.NoError(t, err)

	assert.Equal(t, "64f1a2b3", res.PostID, "post id falls back to the link")
	assert.Equal(t, "caption", res.Text)
	assert.Equal(t, []resolver.Item{
		{URL: "https://ci.xiaohongshu.com/a"},
		{URL: "https://sns-video-bd.xhscdn.com/b.mp4", IsVideo: true},
	}, res.Items)
}

func TestClient_ResolveErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason error
	}{
		{"not found", http.StatusNotFound, `{"error":"no_media"}`, resolver.ErrNoMedia},
		{"no post id", http.StatusUnprocessableEntity, `{"error":"no_post_id"}`, resolver.ErrNoPostID},
		{"empty list", http.StatusOK, `{"postId":"x","items":[]}`, resolver.ErrNoMedia},
		{"forbidden", http.StatusForbidden, `{"error":"denied"}`, resolver.ErrFetchFailed},
		{"bad json", http.StatusOK, `{`, resolver.ErrFetchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32

			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, "")

			_, err := c.Resolve(context.Background(), postLink)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.reason)
			assert.True(t, resolver.IsResolutionFailure(err))
			assert.Equal(t, int32(1), calls.Load(), "permanent errors are not retried")
		})
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		_, _ = w.Write([]byte(`{"count":4}`))
	}, "")

	n, err := c.CountMedia(context.Background(), postLink)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}, "")

	_, err := c.Resolve(context.Background(), postLink)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var netErr *resolver.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
	assert.Equal(t, "overloaded", netErr.Message)
	assert.ErrorIs(t, err, resolver.ErrFetchFailed)
}

func TestClient_Helpers(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused"})

	id, ok := c.ResolvePostID("http://xhslink.com/a/Short1")
	assert.True(t, ok)
	assert.Equal(t, "Short1", id)

	assert.Equal(t, "https://ci.xiaohongshu.com/tok",
		c.Normalize("http://sns-webpic-qc.xhscdn.com/1/2/tok!nd"))
}
