package resolver

import (
	"context"
)

// Static resolves any link to a fixed list of media URLs, collected by the caller through an
// alternate path such as crawling the rendered post page.
type Static struct {
	urls []string
	text string
}

func NewStatic(urls []string, text string) *Static {
	return &Static{urls: urls, text: text}
}

func (s *Static) Resolve(_ context.Context, link string) (*Result, error) {
	if len(s.urls) == 0 {
		return nil, &ResolutionError{URL: link, Reason: ErrNoMedia}
	}

	postID, _ := ExtractPostID(link)

	items := make([]Item, 0, len(s.urls))
	for _, u := range s.urls {
		items = append(items, Item{URL: u, IsVideo: IsVideoURL(u)})
	}

	return &Result{PostID: postID, Items: items, Text: s.text}, nil
}

func (s *Static) CountMedia(context.Context, string) (int, error) {
	return len(s.urls), nil
}

func (s *Static) ResolvePostID(link string) (string, bool) {
	return ExtractPostID(link)
}

func (s *Static) Normalize(link string) string {
	return TransformCDNURL(link)
}
