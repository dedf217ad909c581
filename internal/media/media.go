// Package media decides what a media file is and what it is called on disk.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/postdl/internal/task"
)

// Ordered: the first marker found in a URL wins.
var urlExtensions = []struct {
	marker string
	ext    string
}{
	{".jpeg", "jpg"},
	{".jpg", "jpg"},
	{".png", "png"},
	{".gif", "gif"},
	{".webp", "webp"},
	{".mp4", "mp4"},
	{".mov", "mov"},
	{".avi", "avi"},
	{".mkv", "mkv"},
	{".webm", "webm"},
}

var videoExtensions = map[string]bool{
	"mp4": true, "mov": true, "avi": true, "mkv": true, "webm": true,
}

var imageExtensions = map[string]bool{
	"jpg": true, "png": true, "gif": true, "webp": true,
}

// ExtensionFromURL infers a file extension from markers in the URL. The video hint picks
// mp4 when the URL carries no recognizable extension.
func ExtensionFromURL(rawURL string, video bool) string {
	lower := strings.ToLower(rawURL)

	for _, e := range urlExtensions {
		if strings.Contains(lower, e.marker) {
			return e.ext
		}
	}

	switch {
	case strings.Contains(lower, "sns-img"):
		return "jpg"
	case video, strings.Contains(lower, "video"):
		return "mp4"
	default:
		return "jpg"
	}
}

// ExtensionForContentType maps a Content-Type header to an extension. It returns "" for
// types it does not know.
func ExtensionForContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))

	switch {
	case ct == "video/quicktime":
		return "mov"
	case ct == "video/webm":
		return "webm"
	case strings.HasPrefix(ct, "video/"):
		return "mp4"
	case ct == "image/png":
		return "png"
	case ct == "image/webp":
		return "webp"
	case ct == "image/gif":
		return "gif"
	case strings.HasPrefix(ct, "image/"):
		return "jpg"
	default:
		return ""
	}
}

// IsVideoContentType reports whether a Content-Type header announces a video.
func IsVideoContentType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "video/")
}

// KindOf classifies a file by extension.
func KindOf(path string) task.MediaKind {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	switch {
	case ext == "jpeg" || imageExtensions[ext]:
		return task.KindImage
	case videoExtensions[ext]:
		return task.KindVideo
	default:
		return task.KindUnknown
	}
}

// Extension picks the extension of a downloaded file. The response Content-Type wins;
// markers in the URL and the video hint are the fallback.
func Extension(contentType, rawURL string, video bool) string {
	if ext := ExtensionForContentType(contentType); ext != "" {
		return ext
	}

	return ExtensionFromURL(rawURL, video)
}

// Namer is the filename policy of the engine.
type Namer interface {
	// NameFor returns the file name of the index-th (1-based) media item of a post.
	NameFor(postID string, index int, ext string) string
}

// PrefixNamer names files "<prefix><postID>_<NN>.<ext>".
type PrefixNamer struct {
	Prefix string
}

func (n PrefixNamer) NameFor(postID string, index int, ext string) string {
	return fmt.Sprintf("%s%s_%02d.%s", n.Prefix, sanitize(postID), index, ext)
}

// LiveName turns the name of a still into the name of its motion photo: "a.png" becomes
// "a_live.jpg".
func LiveName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + "_live.jpg"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}

		return r
	}, s)
}

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// maxSuffix is the last numbered suffix tried before falling back to a timestamp.
const maxSuffix = 999

// Reserve creates an empty file at dir/name, or at dir/base_(n).ext for the first n that is
// free, and returns its path. After maxSuffix attempts the current unix milliseconds are used
// instead of n. Creation is exclusive, so concurrent callers never get the same path.
func Reserve(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create target directory: %w", err)
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for n := 0; ; n++ {
		candidate := name

		switch {
		case n > maxSuffix:
			candidate = fmt.Sprintf("%s_%d%s", base, time.Now().UnixMilli()+int64(n-maxSuffix-1), ext)
		case n > 0:
			candidate = fmt.Sprintf("%s_(%d)%s", base, n, ext)
		}

		path := filepath.Join(dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if err == nil {
			return path, f.Close()
		}

		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to reserve %s: %w", candidate, err)
		}
	}
}
