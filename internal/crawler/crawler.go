package crawler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/andywarduk/mirrorurl/internal/config"
	"github.com/andywarduk/mirrorurl/internal/extract"
	"github.com/andywarduk/mirrorurl/internal/fetcher"
	"github.com/andywarduk/mirrorurl/internal/metrics"
	robotsclient "github.com/andywarduk/mirrorurl/internal/robots"
	"github.com/andywarduk/mirrorurl/internal/storage"
	"github.com/andywarduk/mirrorurl/internal/urlnorm"
	"github.com/andywarduk/mirrorurl/pkg/types"
)

// Engine orchestrates fetching, link discovery and persisting a mirror.
type Engine struct {
	cfg     config.Config
	norm    *urlnorm.Normalizer
	fetcher fetcher.Fetcher
	robots  *robotsclient.Agent
	writer  *storage.MirrorWriter

	limiter  *DomainLimiter
	frontier *Frontier
	skip     *SkipList
	pool     *WorkerPool

	metrics *metrics.Metrics
	logger  *slog.Logger

	stats   *runStats
	started atomic.Bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records run activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(e *Engine) {
		if f != nil {
			e.fetcher = f
		}
	}
}

// NewEngine builds a mirror engine from configuration. Errors here are
// setup failures: an invalid start URL, bad settings or an output
// directory that cannot be written.
func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	cfg = cfg.Clone()
	cfg.Normalise()
	if err := cfg.ResolveSkipFile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		stats:  newRunStats(),
	}
	for _, opt := range opts {
		opt(e)
	}

	norm, err := urlnorm.New(cfg.Mirror.StartURL, urlnorm.Options{
		Scope:       cfg.Crawl.Scope,
		QueryPolicy: cfg.Crawl.QueryPolicy,
	})
	if err != nil {
		return nil, err
	}
	e.norm = norm

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:      cfg.Fetch.UserAgent,
		Headers:        cfg.Fetch.Headers,
		Timeout:        cfg.Fetch.RequestTimeout.Duration,
		ConnectTimeout: cfg.Fetch.ConnectTimeout.Duration,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
		MaxRedirects:   cfg.Fetch.MaxRedirects,
		ProxyURL:       cfg.Fetch.ProxyURL,
		RedirectScope: func(next *url.URL) error {
			_, err := norm.Normalize(next.String(), nil)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("http fetcher: %w", err)
	}
	if e.fetcher == nil {
		e.fetcher = httpFetcher
	}
	e.robots = robotsclient.NewAgent(cfg.Robots, httpFetcher.Client())

	writer, err := storage.NewMirrorWriter(norm, storage.Options{
		Root:      cfg.Mirror.OutputDir,
		IndexName: cfg.Mirror.IndexName,
		UseETags:  cfg.Mirror.UseETags,
		Logger:    e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.writer = writer

	pool, err := NewWorkerPool(max(1, cfg.Worker.Concurrency))
	if err != nil {
		return nil, err
	}
	e.pool = pool

	e.limiter = NewDomainLimiter(cfg.Crawl.PerDomainDelay.Duration, RateLimiterSettings{
		Requests: cfg.Crawl.RateLimitPerDomain.Requests,
		Window:   cfg.Crawl.RateLimitPerDomain.Window.Duration,
	}, cfg.Worker.PerHost)
	e.frontier = NewFrontier(cfg.Crawl.MaxPages)
	e.skip = NewSkipList(cfg.Mirror.SkipList)

	return e, nil
}

// Run mirrors the site until the frontier drains or ctx is cancelled. The
// writer is finalized in both cases, so the output tree and manifest stay
// consistent. A cancelled run returns the partial report and ctx.Err().
func (e *Engine) Run(ctx context.Context) (types.Report, error) {
	if !e.started.CompareAndSwap(false, true) {
		return e.Snapshot(), errors.New("engine already ran")
	}
	e.stats.setStarted(time.Now())

	start := e.norm.Start()
	e.logger.Info("mirror started",
		"url", start.String(),
		"output", e.writer.Root(),
		"workers", e.pool.Size(),
		"max_depth", e.cfg.Crawl.MaxDepth,
		"skip_list", e.skip.Len(),
	)
	e.frontier.Push(types.CrawlTarget{URL: start})

	runErr := e.pool.Run(ctx, e.worker)

	if ctx.Err() != nil {
		e.logger.Warn("context cancelled, shutting down")
		for _, target := range e.frontier.Stop() {
			e.drop(urlnorm.Key(target.URL), types.SkipReason{Kind: types.SkipCancelled}, nil, referrer(target)...)
		}
	}

	result, finalizeErr := e.writer.Finalize(context.WithoutCancel(ctx))
	for key, err := range result.Failed {
		e.drop(key, types.ReasonFor(err), err)
	}
	e.stats.written.Store(int64(result.Written))
	e.stats.unchanged.Store(int64(result.Unchanged))

	e.frontier.Close()
	e.stats.setFinished(time.Now())
	e.metrics.SetQueued(0)

	report := e.Snapshot()
	status := "completed"
	switch {
	case finalizeErr != nil || runErr != nil:
		status = "failed"
	case ctx.Err() != nil:
		status = "cancelled"
	}
	e.metrics.RunFinished(status)
	e.logger.Info("mirror finished",
		"status", status,
		"fetched", report.Fetched,
		"written", report.Written,
		"unchanged", report.Unchanged,
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
		"elapsed", report.Finished.Sub(report.Started).Round(time.Millisecond),
	)

	if finalizeErr != nil {
		return report, fmt.Errorf("finalize mirror: %w", finalizeErr)
	}
	if runErr != nil {
		return report, runErr
	}
	return report, ctx.Err()
}

// Snapshot returns the report as it stands.
func (e *Engine) Snapshot() types.Report {
	report := e.stats.report(e.frontier.State())
	report.StartURL = e.norm.Start().String()
	report.OutputDir = e.writer.Root()
	return report
}

func (e *Engine) worker(ctx context.Context, _ int) error {
	for {
		target, ok := e.frontier.Next(ctx)
		if !ok {
			return nil
		}
		queued, _, _, _ := e.frontier.Stats()
		e.metrics.SetQueued(queued)
		if !e.handleTarget(ctx, target) {
			e.frontier.Done(target)
		}
	}
}

// handleTarget fetches and stores one target. It reports whether the target
// was handed back to the frontier for a retry.
func (e *Engine) handleTarget(ctx context.Context, target types.CrawlTarget) bool {
	key := urlnorm.Key(target.URL)
	from := referrer(target)
	// In-flight work finishes even when the run is cancelled; the per-attempt
	// timeout bounds it.
	fetchCtx := context.WithoutCancel(ctx)

	if target.Attempt == 0 && !e.robots.Allowed(fetchCtx, target.URL) {
		e.drop(key, types.SkipReason{Kind: types.SkipRobots}, nil, from...)
		return false
	}

	release, err := e.limiter.Acquire(ctx, target.URL.Host)
	if err != nil {
		e.drop(key, types.SkipReason{Kind: types.SkipCancelled}, err, from...)
		return false
	}

	var reqOpts fetcher.RequestOptions
	if etag, ok := e.writer.PreviousETag(target.URL); ok {
		reqOpts.ETag = etag
	}

	e.metrics.FetchStarted()
	began := time.Now()
	result, err := e.fetcher.Fetch(fetchCtx, target, reqOpts)
	release()
	e.metrics.FetchFinished()

	if err != nil {
		e.metrics.ObserveFetch("error", time.Since(began))
		return e.fetchFailed(ctx, target, err)
	}
	e.stats.fetched.Add(1)

	switch {
	case result.NotModified:
		e.metrics.ObserveFetch("not_modified", result.Latency)
		if _, err := e.writer.Write(fetchCtx, result); err != nil {
			e.drop(key, types.ReasonFor(err), err, from...)
			return false
		}
		e.stats.notModified.Add(1)
		e.logger.Debug("not modified", "url", key)
		return false
	case !result.OK():
		e.metrics.ObserveFetch("status", result.Latency)
		e.drop(key, types.HTTPStatus(result.StatusCode), nil, from...)
		return false
	}
	e.metrics.ObserveFetch("ok", result.Latency)

	alias := e.redirectAlias(target, result)

	if _, err := e.writer.Write(fetchCtx, result); err != nil {
		e.drop(key, types.ReasonFor(err), err, from...)
		return false
	}
	if alias != nil {
		e.writer.Alias(alias, target.URL)
	}

	size := int64(len(result.Body))
	switch {
	case result.IsHTML():
		e.stats.htmlDocuments.Add(1)
		e.stats.htmlBytes.Add(size)
		e.metrics.AddBytes("html", len(result.Body))
	case result.IsCSS():
		e.stats.downloads.Add(1)
		e.stats.downloadBytes.Add(size)
		e.metrics.AddBytes("css", len(result.Body))
	default:
		e.stats.downloads.Add(1)
		e.stats.downloadBytes.Add(size)
		e.metrics.AddBytes("other", len(result.Body))
	}
	e.logger.Debug("fetched", "url", key, "status", result.StatusCode, "type", result.MediaType, "bytes", size, "depth", target.Depth)

	if target.Depth < e.cfg.Crawl.MaxDepth {
		e.discover(target, result)
	}
	return false
}

// fetchFailed schedules a retry for retryable network errors and records
// every other failure.
func (e *Engine) fetchFailed(ctx context.Context, target types.CrawlTarget, err error) bool {
	key := urlnorm.Key(target.URL)
	from := referrer(target)

	var netErr *types.NetworkError
	retryable := errors.As(err, &netErr) && netErr.Retryable()
	if retryable && target.Attempt < e.cfg.Worker.MaxRetries {
		if ctx.Err() != nil {
			e.drop(key, types.SkipReason{Kind: types.SkipCancelled}, err, from...)
			return false
		}
		target.Attempt++
		delay := backoff(e.cfg.Worker.RetryBackoff.Duration, e.cfg.Worker.MaxBackoff.Duration, target.Attempt)
		e.stats.retries.Add(1)
		e.metrics.Retry()
		e.logger.Info("retrying fetch", "url", key, "attempt", target.Attempt, "delay", delay, "error", err)
		e.frontier.Retry(target, time.Now().Add(delay))
		return true
	}

	e.drop(key, types.ReasonFor(err), err, from...)
	return false
}

// redirectAlias returns the normalized final URL when a redirect led
// somewhere else, marking it visited so it is not fetched again.
func (e *Engine) redirectAlias(target types.CrawlTarget, result *types.FetchResult) *url.URL {
	if result.FinalURL == nil {
		return nil
	}
	final, err := e.norm.Normalize(result.FinalURL.String(), nil)
	if err != nil || urlnorm.Key(final) == urlnorm.Key(target.URL) {
		return nil
	}
	e.frontier.MarkVisited(urlnorm.Key(final))
	return final
}

// discover enqueues every link found in an HTML or CSS payload.
func (e *Engine) discover(target types.CrawlTarget, result *types.FetchResult) {
	base := result.FinalURL
	if base == nil {
		base = result.URL
	}

	var links iter.Seq[extract.Link]
	switch {
	case result.IsHTML():
		links = extract.Links(result.Body, base)
	case result.IsCSS():
		links = extract.CSSLinks(result.Body, base)
	default:
		return
	}

	degraded := false
	pages, resources := 0, 0
	for link := range links {
		if link.Kind == extract.KindPage {
			pages++
		} else {
			resources++
		}
		if link.Degraded && !degraded {
			degraded = true
			e.stats.degraded.Add(1)
			e.logger.Warn("html parse degraded, using token scan", "url", urlnorm.Key(target.URL), "error", types.ErrParseDegraded)
		}
		e.enqueue(link, target)
	}
	e.logger.Debug("links discovered", "url", urlnorm.Key(target.URL), "pages", pages, "resources", resources)
}

func (e *Engine) enqueue(link extract.Link, parent types.CrawlTarget) {
	attrs := []any{"referrer", urlnorm.Key(parent.URL), "kind", string(link.Kind)}
	if link.URL == nil {
		e.drop(link.Raw, types.SkipReason{Kind: types.SkipInvalidURL}, nil, attrs...)
		return
	}
	u, err := e.norm.Normalize(link.URL.String(), nil)
	if err != nil {
		key := link.URL.String()
		if u != nil {
			key = urlnorm.Key(u)
		}
		e.drop(key, types.ReasonFor(err), nil, attrs...)
		return
	}
	key := urlnorm.Key(u)
	if e.skip.Match(e.norm.Rel(u), key) {
		e.drop(key, types.SkipReason{Kind: types.SkipList}, nil, attrs...)
		return
	}

	switch e.frontier.Offer(types.CrawlTarget{URL: u, Depth: parent.Depth + 1, Referrer: parent.URL}) {
	case FrontierFull:
		e.drop(key, types.SkipReason{Kind: types.SkipMaxPages}, nil, attrs...)
	case FrontierClosed:
		e.drop(key, types.SkipReason{Kind: types.SkipCancelled}, nil, attrs...)
	}
}

func referrer(target types.CrawlTarget) []any {
	if target.Referrer == nil {
		return nil
	}
	return []any{"referrer", urlnorm.Key(target.Referrer)}
}

// drop records why key did not make it into the mirror and logs it once,
// with any extra attributes (eg. the referring page).
func (e *Engine) drop(key string, reason types.SkipReason, err error, extra ...any) {
	if !e.stats.record(key, reason) {
		return
	}
	attrs := append([]any{"url", key, "reason", reason.String()}, extra...)
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if reason.Failure() {
		e.metrics.Failed(string(reason.Kind))
		e.logger.Warn("mirror failed", attrs...)
		return
	}
	e.metrics.Skipped(string(reason.Kind))
	level := slog.LevelInfo
	if reason.Kind == types.SkipOutOfScope || reason.Kind == types.SkipScheme {
		level = slog.LevelDebug
	}
	e.logger.Log(context.Background(), level, "skipped", attrs...)
}
