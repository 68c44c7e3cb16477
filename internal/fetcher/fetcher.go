package fetcher

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/andywarduk/mirrorurl/pkg/types"
)

// Fetcher retrieves a single resource for the mirror.
type Fetcher interface {
	Fetch(ctx context.Context, target types.CrawlTarget, opts RequestOptions) (*types.FetchResult, error)
}

// RequestOptions carries per-request settings.
type RequestOptions struct {
	// ETag from a previous run; sent as If-None-Match when set.
	ETag string
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent      string
	Headers        map[string]string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxBodyBytes   int64
	MaxRedirects   int
	ProxyURL       string

	// RedirectScope vets every redirect hop. A non-nil error stops the
	// fetch with types.ErrRedirectOutOfScope.
	RedirectScope func(next *url.URL) error

	// Transport overrides the default transport, mostly for tests.
	Transport http.RoundTripper
}

// HTTPFetcher implements Fetcher via the Go http.Client.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	timeout      time.Duration
	maxBodyBytes int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 256 * 1024 * 1024
	}
	if opts.MaxRedirects < 0 {
		opts.MaxRedirects = 0
	}

	transport := opts.Transport
	if transport == nil {
		tr := &http.Transport{
			DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		if strings.TrimSpace(opts.ProxyURL) != "" {
			proxyURL, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			tr.Proxy = http.ProxyURL(proxyURL)
		} else {
			tr.Proxy = http.ProxyFromEnvironment
		}
		transport = tr
	}

	maxRedirects := opts.MaxRedirects
	scope := opts.RedirectScope
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: %d hops from %s", types.ErrTooManyRedirects, len(via), via[0].URL)
			}
			if scope != nil {
				if err := scope(req.URL); err != nil {
					return fmt.Errorf("%w: %s: %v", types.ErrRedirectOutOfScope, req.URL, err)
				}
			}
			return nil
		},
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client:       client,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		timeout:      opts.Timeout,
		maxBodyBytes: opts.MaxBodyBytes,
	}, nil
}

// Fetch performs one GET attempt for target. Non-2xx responses are returned
// as data; only transport failures and redirect policy violations are errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, target types.CrawlTarget, opts RequestOptions) (*types.FetchResult, error) {
	if target.URL == nil {
		return nil, fmt.Errorf("%w: target url is nil", types.ErrInvalidURL)
	}
	rawURL := target.URL.String()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", types.ErrInvalidURL, err)
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if opts.ETag != "" {
		httpReq.Header.Set("If-None-Match", opts.ETag)
	}

	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classify(rawURL, err)
	}
	defer resp.Body.Close()

	finalURL := target.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	result := &types.FetchResult{
		URL:         target.URL,
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     resp.Header.Clone(),
		ETag:        resp.Header.Get("ETag"),
	}

	if resp.StatusCode == http.StatusNotModified {
		result.NotModified = true
		result.FetchedAt = time.Now()
		result.Latency = time.Since(start)
		return result, nil
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, classify(rawURL, err)
	}
	result.Body = body
	result.MediaType = mediaType(result.ContentType, body)
	result.FetchedAt = time.Now()
	result.Latency = time.Since(start)
	return result, nil
}

var errBodyTooLarge = errors.New("response body exceeds limit")

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode body: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}

	reader := io.Reader(resp.Body)
	var closers []io.Closer

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &decodeError{fmt.Errorf("gzip: %w", err)}
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		rc, err := newDeflateReader(resp.Body)
		if err != nil {
			return nil, &decodeError{fmt.Errorf("deflate: %w", err)}
		}
		reader = rc
		closers = append(closers, rc)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		if encoding != "" && !isTransportError(err) {
			return nil, &decodeError{err}
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w of %d bytes", errBodyTooLarge, f.maxBodyBytes)
	}
	return body, nil
}

// newDeflateReader accepts both raw DEFLATE and zlib-wrapped streams, since
// servers disagree on what "deflate" means.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err == nil && isZlibHeader(head[0], head[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

func mediaType(contentType string, body []byte) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			return strings.ToLower(mt)
		}
	}
	if len(body) == 0 {
		return ""
	}
	mt, _, err := mime.ParseMediaType(http.DetectContentType(body))
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}
