package extract

import (
	"iter"
	"net/url"
	"regexp"
	"strings"
)

var cssRefPattern = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^)'"\s]+))\s*\)|@import\s+(?:"([^"]*)"|'([^']*)')`)

// CSSRef locates one URL inside a stylesheet. Start and End are byte offsets
// of the URL text itself, excluding quotes.
type CSSRef struct {
	URL   string
	Start int
	End   int
}

// ScanCSS finds url(...) and @import references in css.
func ScanCSS(css []byte) []CSSRef {
	matches := cssRefPattern.FindAllSubmatchIndex(css, -1)
	refs := make([]CSSRef, 0, len(matches))
	for _, m := range matches {
		for g := 1; g <= 5; g++ {
			start, end := m[2*g], m[2*g+1]
			if start < 0 {
				continue
			}
			refs = append(refs, CSSRef{URL: string(css[start:end]), Start: start, End: end})
			break
		}
	}
	return refs
}

// CSSLinks yields the resources referenced by a stylesheet.
func CSSLinks(css []byte, base *url.URL) iter.Seq[Link] {
	return func(yield func(Link) bool) {
		for _, ref := range ScanCSS(css) {
			if !yield(newLink(ref.URL, "style", "url", KindResource, base, false)) {
				return
			}
		}
	}
}

func cssLinks(css, tag, attr string, base *url.URL, degraded bool, yield func(Link) bool) bool {
	lower := strings.ToLower(css)
	if !strings.Contains(lower, "url(") && !strings.Contains(lower, "@import") {
		return true
	}
	for _, ref := range ScanCSS([]byte(css)) {
		if !yield(newLink(ref.URL, tag, attr, KindResource, base, degraded)) {
			return false
		}
	}
	return true
}
