package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywarduk/mirrorurl/internal/logging"
	"github.com/andywarduk/mirrorurl/internal/urlnorm"
	"github.com/andywarduk/mirrorurl/pkg/types"
)

const indexHTML = `<html><head><base href="http://example.com/"><link rel="stylesheet" href="css/site.css"></head>
<body><a href="page2.html#part">two</a> <a href="missing.html">gone</a> <a href="http://other.org/x">ext</a>
<a href="#top">top</a> <img src="img/logo.png"></body></html>`

const siteCSS = `body { background: url(../img/logo.png) } @import "print.css";`

func newWriter(t *testing.T, root string, useETags bool) *MirrorWriter {
	t.Helper()
	norm, err := urlnorm.New("http://example.com/", urlnorm.Options{})
	require.NoError(t, err)
	w, err := NewMirrorWriter(norm, Options{Root: root, IndexName: "index.html", UseETags: useETags, Logger: logging.Discard()})
	require.NoError(t, err)
	return w
}

func fetched(t *testing.T, raw, mediaType, body string) *types.FetchResult {
	t.Helper()
	u := parse(t, raw)
	return &types.FetchResult{
		URL:         u,
		FinalURL:    u,
		StatusCode:  200,
		ContentType: mediaType,
		MediaType:   mediaType,
		Body:        []byte(body),
		FetchedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func mirrorSite(t *testing.T, w *MirrorWriter) FinalizeResult {
	t.Helper()
	ctx := context.Background()
	for _, res := range []*types.FetchResult{
		fetched(t, "http://example.com/", "text/html", indexHTML),
		fetched(t, "http://example.com/page2.html", "text/html", `<p>two</p><a href="/">home</a>`),
		fetched(t, "http://example.com/css/site.css", "text/css", siteCSS),
		fetched(t, "http://example.com/img/logo.png", "image/png", "\x89PNG"),
	} {
		_, err := w.Write(ctx, res)
		require.NoError(t, err)
	}
	out, err := w.Finalize(ctx)
	require.NoError(t, err)
	return out
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestWriterMirrorsAndRewrites(t *testing.T) {
	root := t.TempDir()
	out := mirrorSite(t, newWriter(t, root, true))

	assert.Len(t, out.Records, 4)
	assert.Equal(t, 4, out.Written)
	assert.Empty(t, out.Failed)

	index := readFile(t, root, "index.html")
	assert.Contains(t, index, `href="page2.html#part"`)
	assert.Contains(t, index, `href="css/site.css"`)
	assert.Contains(t, index, `src="img/logo.png"`)
	assert.Contains(t, index, `href="http://example.com/missing.html"`)
	assert.Contains(t, index, `href="http://other.org/x"`)
	assert.Contains(t, index, `href="#top"`)
	assert.NotContains(t, index, "<base")

	assert.Contains(t, readFile(t, root, "page2.html"), `href="index.html"`)

	css := readFile(t, root, "css/site.css")
	assert.Contains(t, css, "url(../img/logo.png)")
	assert.Contains(t, css, `@import "http://example.com/css/print.css"`)

	assert.Equal(t, "\x89PNG", readFile(t, root, "img/logo.png"))

	manifest := readFile(t, root, ".mirrorurl/manifest.jsonl")
	lines := strings.Split(strings.TrimSpace(manifest), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"url":"http://example.com/"`)
	assert.Contains(t, lines[3], `"url":"http://example.com/page2.html"`)
}

func TestWriterRerunIsByteIdentical(t *testing.T) {
	root := t.TempDir()
	mirrorSite(t, newWriter(t, root, true))

	before := snapshotTree(t, root)
	second := mirrorSite(t, newWriter(t, root, true))
	after := snapshotTree(t, root)

	assert.Equal(t, before, after)
	assert.Equal(t, 0, second.Written)
	assert.Equal(t, 4, second.Unchanged)
}

func TestWriterNotModifiedReusesRecord(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	w := newWriter(t, root, true)
	logo := fetched(t, "http://example.com/img/logo.png", "image/png", "\x89PNG")
	logo.ETag = `"abc"`
	_, err := w.Write(ctx, logo)
	require.NoError(t, err)
	_, err = w.Finalize(ctx)
	require.NoError(t, err)

	w = newWriter(t, root, true)
	etag, ok := w.PreviousETag(logo.URL)
	require.True(t, ok)
	assert.Equal(t, `"abc"`, etag)

	rec, err := w.Write(ctx, &types.FetchResult{URL: logo.URL, FinalURL: logo.URL, StatusCode: 304, NotModified: true})
	require.NoError(t, err)
	assert.True(t, rec.NotModified)
	assert.Equal(t, "img/logo.png", rec.LocalPath)

	_, ok = newWriter(t, root, false).PreviousETag(logo.URL)
	assert.False(t, ok, "etags disabled")

	require.NoError(t, os.Remove(filepath.Join(root, "img", "logo.png")))
	_, ok = newWriter(t, root, true).PreviousETag(logo.URL)
	assert.False(t, ok, "file gone")
}

func TestWriterNoETagForRewritableDocuments(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	w := newWriter(t, root, true)
	page := fetched(t, "http://example.com/", "text/html", "<p>hi</p>")
	page.ETag = `"p1"`
	_, err := w.Write(ctx, page)
	require.NoError(t, err)
	_, err = w.Finalize(ctx)
	require.NoError(t, err)

	_, ok := newWriter(t, root, true).PreviousETag(page.URL)
	assert.False(t, ok)
}

func TestWriterAliasResolvesRedirectTarget(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	w := newWriter(t, root, true)

	old := fetched(t, "http://example.com/old", "text/html", "<p>moved</p>")
	old.FinalURL = parse(t, "http://example.com/new")
	_, err := w.Write(ctx, old)
	require.NoError(t, err)
	w.Alias(old.FinalURL, old.URL)

	_, err = w.Write(ctx, fetched(t, "http://example.com/", "text/html", `<a href="new">n</a>`))
	require.NoError(t, err)
	_, err = w.Finalize(ctx)
	require.NoError(t, err)

	assert.Contains(t, readFile(t, root, "index.html"), `href="old.html"`)
}

func TestWriterStagesDocumentsBeforeFinalize(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	w := newWriter(t, root, true)

	page := fetched(t, "http://example.com/", "text/html", indexHTML)
	_, err := w.Write(ctx, page)
	require.NoError(t, err)
	_, err = w.Write(ctx, fetched(t, "http://example.com/css/site.css", "text/css", siteCSS))
	require.NoError(t, err)

	staging := filepath.Join(root, ".mirrorurl", "staging")
	staged := filepath.Join(staging, digest([]byte(page.URL.String())))
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, indexHTML, string(data))
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.NoFileExists(t, filepath.Join(root, "index.html"))

	out, err := w.Finalize(ctx)
	require.NoError(t, err)
	assert.Empty(t, out.Failed)
	assert.FileExists(t, filepath.Join(root, "index.html"))
	assert.FileExists(t, filepath.Join(root, "css", "site.css"))
	assert.NoDirExists(t, staging)
}

func TestNewMirrorWriterClearsStaleStaging(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, ".mirrorurl", "staging", "leftover")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	newWriter(t, root, true)
	assert.NoFileExists(t, stale)
}

func TestWriterSettlesCollisionsRegardlessOfOrder(t *testing.T) {
	for name, order := range map[string][]string{
		"escaped first": {"http://example.com/a%3Fb", "http://example.com/a_b"},
		"plain first":   {"http://example.com/a_b", "http://example.com/a%3Fb"},
	} {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			ctx := context.Background()
			w := newWriter(t, root, true)
			for _, raw := range order {
				_, err := w.Write(ctx, fetched(t, raw, "image/png", "body of "+raw))
				require.NoError(t, err)
			}
			_, err := w.Write(ctx, fetched(t, "http://example.com/", "text/html",
				`<img src="/a_b"><img src="/a%3Fb">`))
			require.NoError(t, err)
			out, err := w.Finalize(ctx)
			require.NoError(t, err)
			assert.Empty(t, out.Failed)

			suffixed := "a_b~" + shortHash("http://example.com/a%3Fb")
			assert.Equal(t, "body of http://example.com/a_b", readFile(t, root, "a_b"))
			assert.Equal(t, "body of http://example.com/a%3Fb", readFile(t, root, suffixed))
			index := readFile(t, root, "index.html")
			assert.Contains(t, index, `src="a_b"`)
			assert.Contains(t, index, `src="`+suffixed+`"`)
		})
	}
}

func TestNewMirrorWriterRejectsUnwritableRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	norm, err := urlnorm.New("http://example.com/", urlnorm.Options{})
	require.NoError(t, err)
	_, err = NewMirrorWriter(norm, Options{Root: filepath.Join(file, "sub")})
	require.ErrorIs(t, err, types.ErrIO)
}

func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
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
		out[rel] = info.ModTime().String() + "|" + string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}
