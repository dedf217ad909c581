package resolver

import (
	"context"
	"errors"
)

var errNoResolver = errors.New("no resolver service configured")

// Unconfigured fails every resolution so callers fall back to submitting crawled media.
type Unconfigured struct{}

func (Unconfigured) Resolve(_ context.Context, link string) (*Result, error) {
	return nil, &ResolutionError{URL: link, Reason: ErrFetchFailed, Err: errNoResolver}
}

func (Unconfigured) CountMedia(context.Context, string) (int, error) {
	return 0, nil
}

func (Unconfigured) ResolvePostID(link string) (string, bool) {
	return ExtractPostID(link)
}

func (Unconfigured) Normalize(link string) string {
	return TransformCDNURL(link)
}
