package types

import (
	"net/http"
	"net/url"
	"time"
)

// CrawlTarget models a work item held by the crawl frontier.
type CrawlTarget struct {
	URL      *url.URL
	Depth    int
	Referrer *url.URL

	// Attempt counts fetch attempts already made; NotBefore is the earliest
	// time the next attempt may start.
	Attempt   int
	NotBefore time.Time

	EnqueuedAt time.Time
}

// FetchResult represents a fetched resource.
type FetchResult struct {
	URL         *url.URL
	FinalURL    *url.URL
	StatusCode  int
	ContentType string
	MediaType   string
	Body        []byte
	Headers     http.Header
	ETag        string
	NotModified bool
	FetchedAt   time.Time
	Latency     time.Duration
}

// OK reports whether the response carried a 2xx status.
func (r *FetchResult) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsHTML reports whether the payload should be parsed as an HTML document.
func (r *FetchResult) IsHTML() bool {
	if r == nil {
		return false
	}
	return r.MediaType == "text/html" || r.MediaType == "application/xhtml+xml"
}

// IsCSS reports whether the payload is a stylesheet.
func (r *FetchResult) IsCSS() bool {
	return r != nil && r.MediaType == "text/css"
}

// MirrorRecord describes one resource persisted in the mirror.
type MirrorRecord struct {
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url,omitempty"`
	LocalPath   string    `json:"local_path"`
	SHA256      string    `json:"sha256"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	Unchanged   bool      `json:"-"`
	NotModified bool      `json:"-"`
}
