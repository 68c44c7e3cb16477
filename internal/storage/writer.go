package storage

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/andywarduk/mirrorurl/internal/processor"
	"github.com/andywarduk/mirrorurl/internal/urlnorm"
	"github.com/andywarduk/mirrorurl/pkg/types"
)

// Options configures a MirrorWriter.
type Options struct {
	Root      string
	IndexName string
	UseETags  bool
	Logger    *slog.Logger
}

// FinalizeResult summarises the finalize step.
type FinalizeResult struct {
	Records   []types.MirrorRecord
	Written   int
	Unchanged int
	Failed    map[string]error
}

const stagingDir = "staging"

type heldDoc struct {
	key    string
	base   *url.URL
	isHTML bool
	staged string
	record types.MirrorRecord
}

// MirrorWriter maps fetched resources to local files and persists them.
// Rewritable documents are staged on disk as fetched and only rewritten into
// place at Finalize, when the full set of mirrored URLs is known.
type MirrorWriter struct {
	root     string
	staging  string
	norm     *urlnorm.Normalizer
	mapper   *PathMapper
	previous *Manifest
	useETags bool
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]types.MirrorRecord
	aliases map[string]string
	held    map[string]*heldDoc
}

// NewMirrorWriter prepares the output root and loads the previous manifest.
func NewMirrorWriter(norm *urlnorm.Normalizer, opts Options) (*MirrorWriter, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("%w: output directory must be provided", types.ErrIO)
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output directory: %v", types.ErrIO, err)
	}
	probe, err := os.CreateTemp(opts.Root, ".mirrorurl-probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: output directory not writable: %v", types.ErrIO, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	mapper, err := NewPathMapper(opts.Root, opts.IndexName, norm.SameOrigin)
	if err != nil {
		return nil, err
	}
	previous, err := LoadManifest(opts.Root)
	if err != nil {
		return nil, err
	}
	for _, rec := range previous.Records() {
		mapper.Remember(rec.URL, rec.LocalPath)
	}
	staging := filepath.Join(mapper.root, manifestDir, stagingDir)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("%w: clear staging directory: %v", types.ErrIO, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MirrorWriter{
		root:     mapper.root,
		staging:  staging,
		norm:     norm,
		mapper:   mapper,
		previous: previous,
		useETags: opts.UseETags,
		logger:   logger,
		records:  make(map[string]types.MirrorRecord),
		aliases:  make(map[string]string),
		held:     make(map[string]*heldDoc),
	}, nil
}

// Root returns the absolute output directory.
func (w *MirrorWriter) Root() string {
	return w.root
}

// PreviousETag returns the ETag to send for u. Only non-rewritable
// resources whose file still exists qualify, since a 304 gives no body to
// extract links from.
func (w *MirrorWriter) PreviousETag(u *url.URL) (string, bool) {
	if !w.useETags {
		return "", false
	}
	rec, ok := w.previous.Get(urlnorm.Key(u))
	if !ok || rec.ETag == "" || isRewritable(rec.ContentType) {
		return "", false
	}
	abs, err := w.mapper.Abs(rec.LocalPath)
	if err != nil {
		return "", false
	}
	if sum, err := fileDigest(abs); err != nil || sum != rec.SHA256 {
		return "", false
	}
	return rec.ETag, true
}

// Write maps result to a local path and persists it. HTML and CSS payloads
// are staged for Finalize; the returned record then has no digest yet.
func (w *MirrorWriter) Write(ctx context.Context, result *types.FetchResult) (types.MirrorRecord, error) {
	if result == nil || result.URL == nil {
		return types.MirrorRecord{}, fmt.Errorf("%w: nil fetch result", types.ErrIO)
	}
	if err := ctx.Err(); err != nil {
		return types.MirrorRecord{}, err
	}
	key := urlnorm.Key(result.URL)

	if result.NotModified {
		return w.writeNotModified(key, result)
	}

	localPath, err := w.mapper.Map(result.URL, result.IsHTML())
	if err != nil {
		return types.MirrorRecord{}, err
	}
	rec := types.MirrorRecord{
		URL:         key,
		LocalPath:   localPath,
		Size:        int64(len(result.Body)),
		ContentType: result.ContentType,
		ETag:        result.ETag,
		FetchedAt:   result.FetchedAt.UTC(),
	}
	if rec.ContentType == "" {
		rec.ContentType = result.MediaType
	}
	if result.FinalURL != nil && urlnorm.Key(result.FinalURL) != key {
		rec.FinalURL = urlnorm.Key(result.FinalURL)
	}

	if result.IsHTML() || result.IsCSS() {
		base := result.FinalURL
		if base == nil {
			base = result.URL
		}
		staged := filepath.Join(w.staging, digest([]byte(key)))
		if _, err := writeFileAtomic(staged, result.Body); err != nil {
			return types.MirrorRecord{}, err
		}
		w.mu.Lock()
		w.held[key] = &heldDoc{key: key, base: base, isHTML: result.IsHTML(), staged: staged, record: rec}
		w.records[key] = rec
		w.mu.Unlock()
		return rec, nil
	}

	abs, err := w.mapper.Abs(localPath)
	if err != nil {
		return types.MirrorRecord{}, err
	}
	rec.SHA256 = digest(result.Body)
	unchanged, err := writeFileAtomic(abs, result.Body)
	if err != nil {
		return types.MirrorRecord{}, err
	}
	rec.Unchanged = unchanged
	w.keepFetchedAt(&rec)

	w.mu.Lock()
	w.records[key] = rec
	w.mu.Unlock()
	return rec, nil
}

func (w *MirrorWriter) writeNotModified(key string, result *types.FetchResult) (types.MirrorRecord, error) {
	prev, ok := w.previous.Get(key)
	if !ok {
		return types.MirrorRecord{}, fmt.Errorf("%w: not modified response for %s without a previous record", types.ErrIO, key)
	}
	localPath, err := w.mapper.Map(result.URL, false)
	if err != nil {
		return types.MirrorRecord{}, err
	}
	if localPath != prev.LocalPath {
		return types.MirrorRecord{}, fmt.Errorf("%w: %s moved from %s to %s", types.ErrIO, key, prev.LocalPath, localPath)
	}
	rec := prev
	rec.NotModified = true
	rec.Unchanged = true
	if result.ETag != "" {
		rec.ETag = result.ETag
	}
	w.mu.Lock()
	w.records[key] = rec
	w.mu.Unlock()
	return rec, nil
}

// Alias records that alias (eg. a redirect target) serves the same content
// as the already written URL target.
func (w *MirrorWriter) Alias(alias, target *url.URL) {
	a, t := urlnorm.Key(alias), urlnorm.Key(target)
	if a == t {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.records[a]; exists {
		return
	}
	w.aliases[a] = t
}

// Resolve implements processor.Resolver.
func (w *MirrorWriter) Resolve(u *url.URL, fromPath string) (string, bool) {
	key := urlnorm.Key(u)
	w.mu.Lock()
	rec, ok := w.records[key]
	if !ok {
		if target, aliased := w.aliases[key]; aliased {
			rec, ok = w.records[target]
		}
	}
	w.mu.Unlock()
	if !ok {
		return "", false
	}
	return RelativeLink(fromPath, rec.LocalPath), true
}

// Records returns a snapshot of every record, sorted by URL.
func (w *MirrorWriter) Records() []types.MirrorRecord {
	w.mu.Lock()
	out := make([]types.MirrorRecord, 0, len(w.records))
	for _, rec := range w.records {
		out = append(out, rec)
	}
	w.mu.Unlock()
	sortRecords(out)
	return out
}

// Finalize settles contested paths, rewrites and persists every staged
// document, then writes the manifest. Documents that fail to persist are
// dropped from the manifest and reported in the result.
func (w *MirrorWriter) Finalize(ctx context.Context) (FinalizeResult, error) {
	rewriter := processor.NewRewriter(w.norm, w)
	res := FinalizeResult{Failed: make(map[string]error)}
	w.settlePaths(res.Failed)

	w.mu.Lock()
	docs := make([]*heldDoc, 0, len(w.held))
	for _, doc := range w.held {
		docs = append(docs, doc)
	}
	w.mu.Unlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].key < docs[j].key })

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, err := w.persistHeld(rewriter, doc)
		w.mu.Lock()
		delete(w.held, doc.key)
		if err != nil {
			delete(w.records, doc.key)
			res.Failed[doc.key] = err
		} else {
			w.records[doc.key] = rec
		}
		w.mu.Unlock()
		if err != nil {
			w.logger.Error("persist document failed", "url", doc.key, "path", doc.record.LocalPath, "error", err)
		}
	}
	if err := os.RemoveAll(w.staging); err != nil {
		w.logger.Warn("clear staging directory failed", "path", w.staging, "error", err)
	}

	records := w.Records()
	for _, rec := range records {
		if rec.Unchanged {
			res.Unchanged++
		} else {
			res.Written++
		}
	}
	res.Records = records

	if _, err := writeManifest(w.root, records); err != nil {
		return res, err
	}
	return res, nil
}

// settlePaths applies the mapper's collision decisions. Staged documents
// only change their record; files already on disk are renamed in two steps
// so that swapped paths do not clobber each other.
func (w *MirrorWriter) settlePaths(failed map[string]error) {
	moves := w.mapper.Settle()
	if len(moves) == 0 {
		return
	}

	type renamed struct {
		move PathMove
		tmp  string
	}
	var pending []renamed

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, mv := range moves {
		rec, ok := w.records[mv.Key]
		if !ok {
			continue
		}
		rec.LocalPath = mv.To
		if doc, held := w.held[mv.Key]; held {
			doc.record.LocalPath = mv.To
			w.records[mv.Key] = rec
			continue
		}
		from, err := w.mapper.Abs(mv.From)
		if err == nil {
			tmp := from + ".mirrorurl-move"
			if err = os.Rename(from, tmp); err == nil {
				pending = append(pending, renamed{move: mv, tmp: tmp})
			}
		}
		if err != nil {
			delete(w.records, mv.Key)
			failed[mv.Key] = fmt.Errorf("%w: move %s to %s: %v", types.ErrIO, mv.From, mv.To, err)
			continue
		}
		rec.Unchanged = false
		w.records[mv.Key] = rec
	}

	for _, p := range pending {
		to, err := w.mapper.Abs(p.move.To)
		if err == nil {
			err = os.MkdirAll(filepath.Dir(to), 0o755)
		}
		if err == nil {
			err = os.Rename(p.tmp, to)
		}
		if err != nil {
			_ = os.Remove(p.tmp)
			delete(w.records, p.move.Key)
			failed[p.move.Key] = fmt.Errorf("%w: move %s to %s: %v", types.ErrIO, p.move.From, p.move.To, err)
			continue
		}
		w.logger.Debug("collision settled", "url", p.move.Key, "from", p.move.From, "to", p.move.To)
	}
}

func (w *MirrorWriter) persistHeld(rewriter *processor.Rewriter, doc *heldDoc) (types.MirrorRecord, error) {
	rec := doc.record
	body, err := os.ReadFile(doc.staged)
	if err != nil {
		return rec, fmt.Errorf("%w: read staged %s: %v", types.ErrIO, doc.key, err)
	}
	if doc.isHTML {
		rewritten, err := rewriter.RewriteHTML(body, doc.base, rec.LocalPath)
		if err != nil {
			w.logger.Warn("rewrite failed, keeping original document", "url", doc.key, "error", err)
		} else {
			body = rewritten
		}
	} else {
		body = rewriter.RewriteCSS(body, doc.base, rec.LocalPath)
	}

	abs, err := w.mapper.Abs(rec.LocalPath)
	if err != nil {
		return rec, err
	}
	unchanged, err := writeFileAtomic(abs, body)
	if err != nil {
		return rec, err
	}
	_ = os.Remove(doc.staged)
	rec.SHA256 = digest(body)
	rec.Size = int64(len(body))
	rec.Unchanged = unchanged
	w.keepFetchedAt(&rec)
	return rec, nil
}

// keepFetchedAt carries the previous fetch time forward for unchanged
// content so that an unchanged mirror produces an identical manifest.
func (w *MirrorWriter) keepFetchedAt(rec *types.MirrorRecord) {
	prev, ok := w.previous.Get(rec.URL)
	if ok && prev.SHA256 == rec.SHA256 && prev.LocalPath == rec.LocalPath && prev.ETag == rec.ETag {
		rec.FetchedAt = prev.FetchedAt
	}
}

func isRewritable(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch strings.ToLower(mt) {
	case "text/html", "application/xhtml+xml", "text/css":
		return true
	default:
		return false
	}
}
