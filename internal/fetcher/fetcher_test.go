package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywarduk/mirrorurl/pkg/types"
)

const page = "<html><body><a href=\"/next\">next</a></body></html>"

func target(t *testing.T, raw string) types.CrawlTarget {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return types.CrawlTarget{URL: u}
}

func newFetcher(t *testing.T, opts Options) *HTTPFetcher {
	t.Helper()
	f, err := NewHTTPFetcher(opts)
	require.NoError(t, err)
	return f
}

func TestFetchDecodesContentEncodings(t *testing.T) {
	encoders := map[string]func(b []byte) []byte{
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
		"deflate": func(b []byte) []byte {
			var buf bytes.Buffer
			w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
	}

	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "gzip, deflate, br", r.Header.Get("Accept-Encoding"))
				w.Header().Set("Content-Type", "text/html; charset=UTF-8")
				w.Header().Set("Content-Encoding", name)
				_, _ = w.Write(encode([]byte(page)))
			}))
			defer srv.Close()

			res, err := newFetcher(t, Options{}).Fetch(context.Background(), target(t, srv.URL+"/"), RequestOptions{})
			require.NoError(t, err)
			assert.Equal(t, page, string(res.Body))
			assert.Equal(t, "text/html", res.MediaType)
			assert.True(t, res.IsHTML())
		})
	}
}

func TestFetchDecodesZlibWrappedDeflate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, _ = zw.Write([]byte("body{color:red}"))
		_ = zw.Close()
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Content-Encoding", "deflate")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	res, err := newFetcher(t, Options{}).Fetch(context.Background(), target(t, srv.URL+"/a.css"), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "body{color:red}", string(res.Body))
	assert.True(t, res.IsCSS())
}

func TestFetchReturnsNon2xxAsData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	res, err := newFetcher(t, Options{}).Fetch(context.Background(), target(t, srv.URL+"/missing"), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.False(t, res.OK())
}

func TestFetchConditionalRequest(t *testing.T) {
	const etag = `"v1"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	f := newFetcher(t, Options{})
	first, err := f.Fetch(context.Background(), target(t, srv.URL+"/logo.png"), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, etag, first.ETag)
	assert.False(t, first.NotModified)

	second, err := f.Fetch(context.Background(), target(t, srv.URL+"/logo.png"), RequestOptions{ETag: first.ETag})
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Empty(t, second.Body)
}

func TestFetchSniffsMissingContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("<!DOCTYPE html><html><body>hi</body></html>"))
	}))
	defer srv.Close()

	res, err := newFetcher(t, Options{}).Fetch(context.Background(), target(t, srv.URL+"/"), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "text/html", res.MediaType)
}

func TestFetchRedirectPolicy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("new"))
	})
	mux.HandleFunc("/away", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://elsewhere.invalid/", http.StatusFound)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)
	f := newFetcher(t, Options{
		MaxRedirects: 3,
		RedirectScope: func(next *url.URL) error {
			if next.Host != origin.Host {
				return types.ErrOutOfScope
			}
			return nil
		},
	})

	res, err := f.Fetch(context.Background(), target(t, srv.URL+"/old"), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/new", res.FinalURL.Path)
	assert.Equal(t, "/old", res.URL.Path)

	_, err = f.Fetch(context.Background(), target(t, srv.URL+"/away"), RequestOptions{})
	require.ErrorIs(t, err, types.ErrRedirectOutOfScope)
	assert.Equal(t, types.SkipRedirectOutOfScope, types.ReasonFor(err).Kind)

	_, err = f.Fetch(context.Background(), target(t, srv.URL+"/loop"), RequestOptions{})
	require.ErrorIs(t, err, types.ErrTooManyRedirects)
}

func TestFetchBodyLimitIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	_, err := newFetcher(t, Options{MaxBodyBytes: 16}).Fetch(context.Background(), target(t, srv.URL+"/big"), RequestOptions{})
	var netErr *types.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, types.NetworkBody, netErr.Kind)
	assert.False(t, netErr.Retryable())
}

func TestFetchTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newFetcher(t, Options{Timeout: 50 * time.Millisecond}).Fetch(context.Background(), target(t, srv.URL+"/slow"), RequestOptions{})
	var netErr *types.NetworkError
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.Equal(t, types.NetworkTimeout, netErr.Kind)
	assert.True(t, netErr.Retryable())
}

func TestFetchConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = newFetcher(t, Options{ConnectTimeout: time.Second}).Fetch(context.Background(), target(t, "http://"+addr+"/"), RequestOptions{})
	var netErr *types.NetworkError
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.Equal(t, types.NetworkConnect, netErr.Kind)
	assert.Equal(t, "Network(connect)", types.ReasonFor(err).String())
}
