package resolver

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	firstURLPattern   = regexp.MustCompile(`https?://[\w\-.]+(?:/[\w\-._~:/?#\[\]@!$&'()*+,;=%]*)?`)
	explorePattern    = regexp.MustCompile(`(?:explore|item)/([a-zA-Z0-9_\-]+)/?(?:\?|$)`)
	userPostPattern   = regexp.MustCompile(`user/profile/[a-z0-9]+/([a-zA-Z0-9_\-]+)/?(?:\?|$)`)
	videoURLMarkers   = []string{".mp4", ".mov", ".avi", ".webm", "video", "masterUrl", "stream", "sns-video", "/spectrum/"}
	platformHosts     = []string{"xhslink.com", "xiaohongshu.com"}
	imageCDNHost      = "xhscdn.com"
	imageCDNEndpoint  = "https://ci.xiaohongshu.com/"
	cdnTokenPathIndex = 5
)

// ExtractFirstURL returns the first http(s) URL found in shared text.
func ExtractFirstURL(text string) (string, bool) {
	u := firstURLPattern.FindString(text)

	return u, u != ""
}

// IsPlatformLink reports whether the link points at the supported platform.
func IsPlatformLink(link string) bool {
	for _, h := range platformHosts {
		if strings.Contains(link, h) {
			return true
		}
	}

	return false
}

// ExtractPostID returns the post identifier of a full or short post link.
func ExtractPostID(link string) (string, bool) {
	for _, p := range []*regexp.Regexp{explorePattern, userPostPattern} {
		if m := p.FindStringSubmatch(link); m != nil {
			return m[1], true
		}
	}

	if !strings.Contains(link, "xhslink.com") {
		return "", false
	}

	u, err := url.Parse(link)
	if err != nil {
		return "", false
	}

	var segments []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}

	// Short links look like xhslink.com/o/<id> or xhslink.com/<id>.
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "o" {
			return segments[i], true
		}
	}

	return "", false
}

// IsVideoURL guesses from the URL alone whether it points at a video stream.
func IsVideoURL(link string) bool {
	for _, m := range videoURLMarkers {
		if strings.Contains(link, m) {
			return true
		}
	}

	return false
}

// TransformCDNURL rewrites a resized image CDN URL such as
// http://sns-webpic-qc.xhscdn.com/202404121854/a7e6.../<token>!nd_dft_wlteh_webp_3 to the
// full-size image endpoint https://ci.xiaohongshu.com/<token>. Other URLs are returned as is.
func TransformCDNURL(link string) string {
	if !strings.Contains(link, imageCDNHost) || strings.Contains(link, "video") {
		return link
	}

	parts := strings.Split(link, "/")
	if len(parts) <= cdnTokenPathIndex {
		return link
	}

	token := strings.Join(parts[cdnTokenPathIndex:], "/")
	if i := strings.IndexAny(token, "!?"); i >= 0 {
		token = token[:i]
	}

	if token == "" {
		return link
	}

	return imageCDNEndpoint + token
}
