package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywarduk/mirrorurl/internal/config"
	"github.com/andywarduk/mirrorurl/internal/fetcher"
	"github.com/andywarduk/mirrorurl/internal/logging"
	"github.com/andywarduk/mirrorurl/internal/storage"
	"github.com/andywarduk/mirrorurl/pkg/types"
)

const indexPage = `<!DOCTYPE html><html><head><title>Home</title></head><body>
<a href="page2.html">Page 2</a>
<img src="img/logo.png">
<a href="missing.html">gone</a>
<a href="https://elsewhere.example/">elsewhere</a>
</body></html>`

const page2 = `<!DOCTYPE html><html><body><a href="./">home</a></body></html>`

// testSite serves a small site and counts requests per path.
type testSite struct {
	mu    sync.Mutex
	hits  map[string]int
	pages map[string]string
	srv   *httptest.Server
}

// newTestSite starts the site once every configure hook has adjusted its
// pages or registered extra handlers.
func newTestSite(t *testing.T, configure ...func(s *testSite, mux *http.ServeMux)) *testSite {
	t.Helper()
	s := &testSite{
		hits: make(map[string]int),
		pages: map[string]string{
			"/":           indexPage,
			"/page2.html": page2,
		},
	}
	mux := http.NewServeMux()
	for _, fn := range configure {
		fn(s, mux)
	}
	mux.HandleFunc("/", s.serve)
	s.srv = httptest.NewUnstartedServer(mux)
	s.srv.Start()
	t.Cleanup(s.srv.Close)
	return s
}

func (s *testSite) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	body, ok := s.pages[r.URL.Path]
	s.mu.Unlock()

	switch {
	case ok:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	case r.URL.Path == "/img/logo.png":
		w.Header().Set("ETag", `"logo-v1"`)
		if r.Header.Get("If-None-Match") == `"logo-v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nlogo"))
	default:
		http.NotFound(w, r)
	}
}

func (s *testSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *testSite) url(path string) string {
	return s.srv.URL + path
}

func testConfig(start, out string) config.Config {
	cfg := config.Default()
	cfg.Mirror.StartURL = start
	cfg.Mirror.OutputDir = out
	cfg.Worker.Concurrency = 4
	cfg.Worker.RetryBackoff = config.DurationFrom(time.Millisecond)
	cfg.Worker.MaxBackoff = config.DurationFrom(5 * time.Millisecond)
	cfg.Crawl.PerDomainDelay = config.Duration{}
	cfg.Fetch.RequestTimeout = config.DurationFrom(5 * time.Second)
	cfg.Robots.Respect = false
	return cfg
}

func runMirror(t *testing.T, cfg config.Config, opts ...Option) (types.Report, error) {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	engine, err := NewEngine(cfg, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return engine.Run(ctx)
}

func readMirrored(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		files[filepath.ToSlash(rel)] = info.ModTime().String() + "|" + string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestEngineMirrorsSite(t *testing.T) {
	site := newTestSite(t)
	out := t.TempDir()

	report, err := runMirror(t, testConfig(site.url("/"), out))
	require.NoError(t, err)

	assert.Equal(t, types.StateDone, report.State)
	assert.Equal(t, int64(4), report.Fetched)
	assert.Equal(t, int64(2), report.HTMLDocuments)
	assert.Equal(t, int64(1), report.Downloads)
	assert.Equal(t, int64(3), report.Written)
	assert.Empty(t, report.Failed)
	assert.False(t, report.Finished.Before(report.Started))

	index := readMirrored(t, out, "index.html")
	assert.Contains(t, index, `href="page2.html"`)
	assert.Contains(t, index, `src="img/logo.png"`)
	assert.Contains(t, index, `href="`+site.url("/missing.html")+`"`)
	assert.Contains(t, index, `href="https://elsewhere.example/"`)
	assert.Contains(t, readMirrored(t, out, "page2.html"), `href="index.html"`)
	assert.Equal(t, "\x89PNG\r\n\x1a\nlogo", readMirrored(t, out, "img/logo.png"))

	// the 404 is skipped, not fatal, and stays out of the manifest
	assert.Equal(t, types.HTTPStatus(404), report.Skipped[site.url("/missing.html")])
	assert.Equal(t, types.SkipOutOfScope, report.Skipped["https://elsewhere.example/"].Kind)
	manifest, err := storage.LoadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, 3, manifest.Len())
	_, ok := manifest.Get(site.url("/missing.html"))
	assert.False(t, ok)

	assert.Equal(t, 1, site.hitCount("/"))
	assert.Equal(t, 1, site.hitCount("/page2.html"))
}

func TestEngineMirrorsFromIndexWithRootRelativeLinks(t *testing.T) {
	site := newTestSite(t, func(s *testSite, _ *http.ServeMux) {
		s.pages["/index.html"] = `<html><body><a href="/page2.html">Page 2</a><img src="/img/logo.png"></body></html>`
		s.pages["/page2.html"] = `<html><body><a href="/index.html">back</a></body></html>`
	})
	out := t.TempDir()

	report, err := runMirror(t, testConfig(site.url("/index.html"), out))
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.Fetched)
	assert.Empty(t, report.Failed)
	assert.Empty(t, report.Skipped)
	index := readMirrored(t, out, "index.html")
	assert.Contains(t, index, `href="page2.html"`)
	assert.Contains(t, index, `src="img/logo.png"`)
	assert.Contains(t, readMirrored(t, out, "page2.html"), `href="index.html"`)
	assert.Equal(t, "\x89PNG\r\n\x1a\nlogo", readMirrored(t, out, "img/logo.png"))
	assert.Zero(t, site.hitCount("/"))
}

func TestEngineLogsReferrerOfDroppedLinks(t *testing.T) {
	site := newTestSite(t)
	var logs bytes.Buffer
	logger, err := logging.New(config.LoggingConfig{Level: "debug", Structured: true}, &logs)
	require.NoError(t, err)

	_, err = runMirror(t, testConfig(site.url("/"), t.TempDir()), WithLogger(logger))
	require.NoError(t, err)

	var missing map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["url"] == site.url("/missing.html") && entry["reason"] != nil {
			missing = entry
		}
	}
	require.NotNil(t, missing, logs.String())
	assert.Equal(t, site.url("/"), missing["referrer"])
}

func TestEngineRerunIsByteIdentical(t *testing.T) {
	site := newTestSite(t)
	out := t.TempDir()
	cfg := testConfig(site.url("/"), out)

	_, err := runMirror(t, cfg)
	require.NoError(t, err)
	before := snapshot(t, out)

	report, err := runMirror(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, before, snapshot(t, out))
	assert.Zero(t, report.Written)
	assert.Equal(t, int64(3), report.Unchanged)
	assert.Equal(t, int64(1), report.NotModified, "the logo is revalidated with its etag")
}

func TestEngineMaxDepthZero(t *testing.T) {
	site := newTestSite(t)
	out := t.TempDir()
	cfg := testConfig(site.url("/"), out)
	cfg.Crawl.MaxDepth = 0

	report, err := runMirror(t, cfg)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Fetched)
	assert.Zero(t, site.hitCount("/page2.html"))
	assert.Zero(t, site.hitCount("/img/logo.png"))
	assert.Contains(t, readMirrored(t, out, "index.html"), `href="`+site.url("/page2.html")+`"`)

	manifest, err := storage.LoadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.Len())
}

func TestEngineSkipListAndRobots(t *testing.T) {
	site := newTestSite(t, func(s *testSite, _ *http.ServeMux) {
		s.pages["/robots.txt"] = "User-agent: *\nDisallow: /page2.html\n"
	})
	out := t.TempDir()
	cfg := testConfig(site.url("/"), out)
	cfg.Mirror.SkipList = []string{"img/"}
	cfg.Robots.Respect = true

	report, err := runMirror(t, cfg)
	require.NoError(t, err)

	assert.Equal(t, types.SkipList, report.Skipped[site.url("/img/logo.png")].Kind)
	assert.Equal(t, types.SkipRobots, report.Skipped[site.url("/page2.html")].Kind)
	assert.Zero(t, site.hitCount("/img/logo.png"))
	assert.Zero(t, site.hitCount("/page2.html"))
	assert.NoFileExists(t, filepath.Join(out, "page2.html"))
}

func TestEngineMaxPages(t *testing.T) {
	site := newTestSite(t)
	cfg := testConfig(site.url("/"), t.TempDir())
	cfg.Crawl.MaxPages = 2
	cfg.Worker.Concurrency = 1

	report, err := runMirror(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Fetched)
	assert.Equal(t, types.SkipMaxPages, report.Skipped[site.url("/img/logo.png")].Kind)
}

func TestEngineFollowsRedirectsAsAliases(t *testing.T) {
	site := newTestSite(t, func(s *testSite, mux *http.ServeMux) {
		s.pages["/"] = `<html><body><a href="old.html">old</a></body></html>`
		mux.Handle("/old.html", http.RedirectHandler("/page2.html", http.StatusMovedPermanently))
	})
	out := t.TempDir()

	report, err := runMirror(t, testConfig(site.url("/"), out))
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.Fetched)
	assert.Equal(t, 1, site.hitCount("/page2.html"))
	assert.Contains(t, readMirrored(t, out, "index.html"), `href="old.html"`)
	assert.Contains(t, readMirrored(t, out, "old.html"), `href="index.html"`)
}

// flakyFetcher fails the first attempts for some paths with a connection reset.
type flakyFetcher struct {
	inner fetcher.Fetcher

	mu       sync.Mutex
	failures map[string]int
}

func (f *flakyFetcher) Fetch(ctx context.Context, target types.CrawlTarget, opts fetcher.RequestOptions) (*types.FetchResult, error) {
	f.mu.Lock()
	remaining := f.failures[target.URL.Path]
	if remaining > 0 {
		f.failures[target.URL.Path] = remaining - 1
	}
	f.mu.Unlock()
	if remaining > 0 {
		return nil, &types.NetworkError{Kind: types.NetworkReset, URL: target.URL.String(), Err: errors.New("connection reset by peer")}
	}
	return f.inner.Fetch(ctx, target, opts)
}

func newFlaky(t *testing.T, failures map[string]int) *flakyFetcher {
	t.Helper()
	inner, err := fetcher.NewHTTPFetcher(fetcher.Options{UserAgent: "test"})
	require.NoError(t, err)
	return &flakyFetcher{inner: inner, failures: failures}
}

func TestEngineRetriesNetworkErrors(t *testing.T) {
	site := newTestSite(t)
	out := t.TempDir()

	report, err := runMirror(t, testConfig(site.url("/"), out), WithFetcher(newFlaky(t, map[string]int{"/page2.html": 2})))
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.Retries)
	assert.Empty(t, report.Failed)
	assert.FileExists(t, filepath.Join(out, "page2.html"))
}

func TestEngineRecordsFailureAfterRetries(t *testing.T) {
	site := newTestSite(t)
	out := t.TempDir()
	cfg := testConfig(site.url("/"), out)
	cfg.Worker.MaxRetries = 1

	report, err := runMirror(t, cfg, WithFetcher(newFlaky(t, map[string]int{"/page2.html": 5})))
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Retries)
	reason := report.Failed[site.url("/page2.html")]
	assert.Equal(t, "Network(reset)", reason.String())
	// the rest of the site is still mirrored and links to the failed page stay absolute
	assert.FileExists(t, filepath.Join(out, "img", "logo.png"))
	assert.Contains(t, readMirrored(t, out, "index.html"), `href="`+site.url("/page2.html")+`"`)
}

func TestEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	site := newTestSite(t, func(s *testSite, mux *http.ServeMux) {
		s.pages["/"] = `<html><body>
<a href="slow/1">1</a><a href="slow/2">2</a><a href="slow/3">3</a><a href="slow/4">4</a>
</body></html>`
		mux.HandleFunc("/slow/", func(w http.ResponseWriter, r *http.Request) {
			cancel()
			time.Sleep(30 * time.Millisecond)
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("slow"))
		})
	})

	out := t.TempDir()
	cfg := testConfig(site.url("/"), out)
	cfg.Worker.Concurrency = 1
	engine, err := NewEngine(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	report, err := engine.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, types.StateDone, report.State)
	// the in-flight fetch completes; everything still queued is dropped
	assert.Equal(t, "slow", readMirrored(t, out, "slow/1"))
	for _, p := range []string{"/slow/2", "/slow/3", "/slow/4"} {
		assert.Equal(t, types.SkipCancelled, report.Skipped[site.url(p)].Kind, p)
	}
	assert.FileExists(t, storage.ManifestPath(out))
	assert.Contains(t, readMirrored(t, out, "index.html"), `href="slow/1"`)

	_, err = engine.Run(context.Background())
	assert.Error(t, err, "an engine runs once")
}

func TestNewEngineSetupErrors(t *testing.T) {
	_, err := NewEngine(testConfig("ftp://example.com/", t.TempDir()))
	assert.Error(t, err)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	_, err = NewEngine(testConfig("http://example.com/", filepath.Join(blocker, "out")))
	assert.ErrorIs(t, err, types.ErrIO)
}
