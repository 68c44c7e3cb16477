// Package processor rewrites the links inside mirrored documents so that the
// mirror can be browsed offline.
package processor

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/andywarduk/mirrorurl/internal/extract"
)

// Normalizer canonicalizes a raw link relative to a base URL.
type Normalizer interface {
	Normalize(raw string, base *url.URL) (*url.URL, error)
}

// Resolver maps a normalized URL to the relative href used inside the
// document stored at fromPath. ok is false when the URL was not mirrored.
type Resolver interface {
	Resolve(u *url.URL, fromPath string) (href string, ok bool)
}

// Rewriter rewrites HTML and CSS payloads against a resolver.
type Rewriter struct {
	norm     Normalizer
	resolver Resolver
}

// NewRewriter constructs a rewriter.
func NewRewriter(norm Normalizer, resolver Resolver) *Rewriter {
	return &Rewriter{norm: norm, resolver: resolver}
}

// RewriteHTML rewrites every URL-bearing attribute, inline style and style
// block of an HTML document, and removes <base> elements.
func (r *Rewriter) RewriteHTML(body []byte, docURL *url.URL, docPath string) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base := extract.DocumentBase(doc, docURL)
	doc.Find("base").Remove()

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		for _, spec := range extract.SpecsFor(node.Data) {
			idx := attrIndex(node, spec.Attr)
			if idx < 0 {
				continue
			}
			if spec.Match != nil && !spec.Match(attrValues(node)) {
				continue
			}
			value := node.Attr[idx].Val
			if spec.Srcset {
				candidates := extract.ParseSrcset(value)
				for i := range candidates {
					candidates[i].URL = r.rewriteRef(candidates[i].URL, base, docPath)
				}
				node.Attr[idx].Val = extract.FormatSrcset(candidates)
				continue
			}
			node.Attr[idx].Val = r.rewriteRef(value, base, docPath)
		}
		if idx := attrIndex(node, "style"); idx >= 0 {
			node.Attr[idx].Val = string(r.rewriteCSS([]byte(node.Attr[idx].Val), base, docPath))
		}
		if node.Data == "style" {
			for child := node.FirstChild; child != nil; child = child.NextSibling {
				if child.Type == html.TextNode {
					child.Data = string(r.rewriteCSS([]byte(child.Data), base, docPath))
				}
			}
		}
	})

	var buf bytes.Buffer
	if err := html.Render(&buf, doc.Get(0)); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

// RewriteCSS rewrites url(...) and @import references in a stylesheet.
func (r *Rewriter) RewriteCSS(body []byte, docURL *url.URL, docPath string) []byte {
	return r.rewriteCSS(body, docURL, docPath)
}

func (r *Rewriter) rewriteCSS(css []byte, base *url.URL, docPath string) []byte {
	refs := extract.ScanCSS(css)
	if len(refs) == 0 {
		return css
	}
	var out bytes.Buffer
	out.Grow(len(css))
	last := 0
	for _, ref := range refs {
		out.Write(css[last:ref.Start])
		out.WriteString(r.rewriteRef(ref.URL, base, docPath))
		last = ref.End
	}
	out.Write(css[last:])
	return out.Bytes()
}

// rewriteRef maps one raw link. Mirrored targets become relative paths with
// the fragment kept, other http(s) targets become absolute URLs and anything
// else is left as written.
func (r *Rewriter) rewriteRef(raw string, base *url.URL, docPath string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return raw
	}
	ref, err := url.Parse(trimmed)
	if err != nil {
		return raw
	}
	fragment := ""
	if ref.Fragment != "" {
		fragment = "#" + ref.EscapedFragment()
	}

	// Normalize only returns a URL for in-scope and out-of-scope links.
	if u, _ := r.norm.Normalize(trimmed, base); u != nil {
		if href, ok := r.resolver.Resolve(u, docPath); ok {
			return href + fragment
		}
	}

	if base == nil {
		return raw
	}
	abs := base.ResolveReference(ref)
	switch strings.ToLower(abs.Scheme) {
	case "http", "https":
		return abs.String()
	default:
		return raw
	}
}

func attrIndex(node *html.Node, key string) int {
	for i, a := range node.Attr {
		if a.Namespace == "" && a.Key == key {
			return i
		}
	}
	return -1
}

func attrValues(node *html.Node) map[string]string {
	out := make(map[string]string, len(node.Attr))
	for _, a := range node.Attr {
		if _, seen := out[a.Key]; !seen {
			out[a.Key] = a.Val
		}
	}
	return out
}
