// Package resolver turns a shared post link into the list of media URLs to download.
package resolver

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoMedia means the post was found but carries no downloadable media.
	ErrNoMedia = errors.New("no media urls found")
	// ErrNoPostID means no post identifier could be extracted from the link.
	ErrNoPostID = errors.New("could not extract post id")
	// ErrFetchFailed means the post details could not be fetched.
	ErrFetchFailed = errors.New("failed to fetch post details")
)

// Item is one media file of a post.
type Item struct {
	URL     string `json:"url"`
	IsVideo bool   `json:"video"`
	// LiveVideo is the motion clip of a live photo whose still is URL.
	LiveVideo string `json:"liveVideo,omitempty"`
}

// Result is a resolved post.
type Result struct {
	PostID string `json:"postId"`
	Items  []Item `json:"items"`
	// Text is the post description, used as a title when the caller gave none.
	Text string `json:"text"`
}

// Resolver resolves a post link to its media.
type Resolver interface {
	Resolve(ctx context.Context, url string) (*Result, error)
	// CountMedia returns a best-effort media count, 0 when unknown.
	CountMedia(ctx context.Context, url string) (int, error)
	ResolvePostID(url string) (string, bool)
}

// Normalizer is implemented by resolvers whose media URLs need rewriting before download.
type Normalizer interface {
	Normalize(url string) string
}

// ResolutionError reports a link that could not be resolved to media. Errors of this kind
// mean the caller may retry through an alternate resolution path.
type ResolutionError struct {
	URL    string // The link being resolved
	Reason error  // One of ErrNoMedia, ErrNoPostID, ErrFetchFailed
	Err    error  // Underlying error, if any
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}

	return e.Reason.Error()
}

// Unwrap exposes both the reason sentinel and the underlying error to errors.Is/As.
func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}

	return []error{e.Reason, e.Err}
}

// IsResolutionFailure reports whether err means the media list could not be obtained.
func IsResolutionFailure(err error) bool {
	var re *ResolutionError

	return errors.As(err, &re) ||
		errors.Is(err, ErrNoMedia) ||
		errors.Is(err, ErrNoPostID) ||
		errors.Is(err, ErrFetchFailed)
}

// NetworkError represents transport failures and error responses of a resolver service,
// including 5xx responses and connection timeouts.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "resolve", "count")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the service or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *NetworkError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == 429
}
