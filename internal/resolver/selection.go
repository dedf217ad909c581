package resolver

import "strings"

// VideoPolicy picks one rendition of the main post video among its variants.
type VideoPolicy struct {
	// VariantMarkers identify URLs that are renditions of the main post video.
	VariantMarkers []string
	// QualityMarkers identify the preferred rendition.
	QualityMarkers []string
}

// Select drops duplicate URLs and keeps a single main video rendition: the first one
// matching a quality marker, else the first one. Other items keep their order.
func (p VideoPolicy) Select(items []Item) []Item {
	seen := make(map[string]bool, len(items))
	preferred := -1
	firstVariant := -1

	for i, it := range items {
		if !it.IsVideo || !containsAny(it.URL, p.VariantMarkers) {
			continue
		}

		if firstVariant < 0 {
			firstVariant = i
		}

		if preferred < 0 && containsAny(it.URL, p.QualityMarkers) {
			preferred = i
		}
	}

	keep := preferred
	if keep < 0 {
		keep = firstVariant
	}

	out := make([]Item, 0, len(items))

	for i, it := range items {
		if it.URL == "" || seen[it.URL] {
			continue
		}

		if it.IsVideo && containsAny(it.URL, p.VariantMarkers) && i != keep {
			continue
		}

		seen[it.URL] = true
		out = append(out, it)
	}

	return out
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}

	return false
}
