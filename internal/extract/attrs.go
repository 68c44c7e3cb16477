package extract

import "strings"

// Kind tells a navigable page link apart from an embedded resource.
type Kind string

const (
	KindPage     Kind = "page"
	KindResource Kind = "resource"
)

// AttrSpec names one element attribute that carries a URL.
type AttrSpec struct {
	Tag    string
	Attr   string
	Kind   Kind
	Srcset bool
	// Match further restricts the element, eg. input[type=image].
	Match func(attrs map[string]string) bool
}

// Attributes lists every URL-bearing attribute the extractor and the link
// rewriter understand.
var Attributes = []AttrSpec{
	{Tag: "a", Attr: "href", Kind: KindPage},
	{Tag: "area", Attr: "href", Kind: KindPage},
	{Tag: "link", Attr: "href", Kind: KindResource},
	{Tag: "img", Attr: "src", Kind: KindResource},
	{Tag: "img", Attr: "srcset", Kind: KindResource, Srcset: true},
	{Tag: "source", Attr: "src", Kind: KindResource},
	{Tag: "source", Attr: "srcset", Kind: KindResource, Srcset: true},
	{Tag: "script", Attr: "src", Kind: KindResource},
	{Tag: "iframe", Attr: "src", Kind: KindPage},
	{Tag: "frame", Attr: "src", Kind: KindPage},
	{Tag: "embed", Attr: "src", Kind: KindResource},
	{Tag: "video", Attr: "src", Kind: KindResource},
	{Tag: "video", Attr: "poster", Kind: KindResource},
	{Tag: "audio", Attr: "src", Kind: KindResource},
	{Tag: "track", Attr: "src", Kind: KindResource},
	{Tag: "object", Attr: "data", Kind: KindResource},
	{Tag: "input", Attr: "src", Kind: KindResource, Match: func(attrs map[string]string) bool {
		return strings.EqualFold(strings.TrimSpace(attrs["type"]), "image")
	}},
	{Tag: "body", Attr: "background", Kind: KindResource},
}

// SpecsFor returns the attribute specs registered for tag.
func SpecsFor(tag string) []AttrSpec {
	var out []AttrSpec
	for _, spec := range Attributes {
		if spec.Tag == tag {
			out = append(out, spec)
		}
	}
	return out
}

// SrcsetCandidate is one URL within a srcset attribute value.
type SrcsetCandidate struct {
	URL        string
	Descriptor string
}

// ParseSrcset splits a srcset attribute into its candidates. Commas are
// legal inside candidate URLs, so a URL runs to the next whitespace and only
// its trailing commas separate it from the next candidate. A descriptor runs
// to the next comma outside parentheses.
func ParseSrcset(value string) []SrcsetCandidate {
	var out []SrcsetCandidate
	i, n := 0, len(value)
	for i < n {
		for i < n && (isSrcsetSpace(value[i]) || value[i] == ',') {
			i++
		}
		if i >= n {
			break
		}
		start := i
		for i < n && !isSrcsetSpace(value[i]) {
			i++
		}
		rawURL := value[start:i]
		if trimmed := strings.TrimRight(rawURL, ","); trimmed != rawURL {
			out = append(out, SrcsetCandidate{URL: trimmed})
			continue
		}

		start = i
		depth := 0
	descriptor:
		for ; i < n; i++ {
			switch value[i] {
			case '(':
				depth++
			case ')':
				if depth > 0 {
					depth--
				}
			case ',':
				if depth == 0 {
					break descriptor
				}
			}
		}
		out = append(out, SrcsetCandidate{URL: rawURL, Descriptor: strings.Join(strings.Fields(value[start:i]), " ")})
	}
	return out
}

func isSrcsetSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	default:
		return false
	}
}

// FormatSrcset renders candidates back into a srcset value.
func FormatSrcset(candidates []SrcsetCandidate) string {
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.Descriptor != "" {
			parts = append(parts, c.URL+" "+c.Descriptor)
		} else {
			parts = append(parts, c.URL)
		}
	}
	return strings.Join(parts, ", ")
}
