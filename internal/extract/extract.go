// Package extract discovers the URLs referenced by HTML documents and
// stylesheets. It performs no I/O and never fails: malformed markup yields
// whatever links can be recovered.
package extract

import (
	"bytes"
	"iter"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Link is one URL reference found in a document.
type Link struct {
	Raw  string
	Tag  string
	Attr string
	Kind Kind
	// URL is Raw resolved against the document base, nil when unresolvable.
	URL *url.URL
	// Degraded is set when the link came from the fallback token scan.
	Degraded bool
}

func newLink(raw, tag, attr string, kind Kind, base *url.URL, degraded bool) Link {
	link := Link{Raw: raw, Tag: tag, Attr: attr, Kind: kind, Degraded: degraded}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return link
	}
	switch {
	case base != nil:
		link.URL = base.ResolveReference(ref)
	case ref.IsAbs():
		link.URL = ref
	}
	return link
}

// Links yields every URL referenced by an HTML document, in document order.
// Parsing happens lazily when the sequence is first pulled.
func Links(body []byte, base *url.URL) iter.Seq[Link] {
	return func(yield func(Link) bool) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			tokenLinks(body, base, yield)
			return
		}
		domLinks(doc, base, yield)
	}
}

// DocumentBase applies the document's <base href>, if any, to fallback.
func DocumentBase(doc *goquery.Document, fallback *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok {
		return fallback
	}
	return resolveBase(href, fallback)
}

func resolveBase(href string, fallback *url.URL) *url.URL {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return fallback
	}
	if fallback == nil {
		if ref.IsAbs() {
			return ref
		}
		return nil
	}
	return fallback.ResolveReference(ref)
}

func domLinks(doc *goquery.Document, base *url.URL, yield func(Link) bool) {
	base = DocumentBase(doc, base)
	doc.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		node := s.Get(0)
		return elementLinks(node.Data, attrMap(node.Attr), base, false, yield) &&
			(node.Data != "style" || cssLinks(s.Text(), "style", "", base, false, yield))
	})
}

func elementLinks(tag string, attrs map[string]string, base *url.URL, degraded bool, yield func(Link) bool) bool {
	for _, spec := range SpecsFor(tag) {
		value, ok := attrs[spec.Attr]
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if spec.Match != nil && !spec.Match(attrs) {
			continue
		}
		if spec.Srcset {
			for _, c := range ParseSrcset(value) {
				if !yield(newLink(c.URL, tag, spec.Attr, spec.Kind, base, degraded)) {
					return false
				}
			}
			continue
		}
		if !yield(newLink(value, tag, spec.Attr, spec.Kind, base, degraded)) {
			return false
		}
	}
	if style, ok := attrs["style"]; ok {
		return cssLinks(style, tag, "style", base, degraded, yield)
	}
	return true
}

// tokenLinks is the recovery path: a flat token scan with no tree building.
func tokenLinks(body []byte, base *url.URL, yield func(Link) bool) {
	z := html.NewTokenizer(bytes.NewReader(body))
	inStyle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			attrs := attrMap(tok.Attr)
			if tok.Data == "base" {
				if href, ok := attrs["href"]; ok {
					base = resolveBase(href, base)
				}
			}
			if !elementLinks(tok.Data, attrs, base, true, yield) {
				return
			}
			inStyle = tok.Data == "style" && tok.Type == html.StartTagToken
		case html.EndTagToken:
			inStyle = false
		case html.TextToken:
			if inStyle && !cssLinks(string(z.Text()), "style", "", base, true, yield) {
				return
			}
		}
	}
}

func attrMap(attrs []html.Attribute) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		if a.Namespace != "" {
			continue
		}
		if _, seen := out[a.Key]; !seen {
			out[a.Key] = a.Val
		}
	}
	return out
}
