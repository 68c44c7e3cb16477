package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andywarduk/mirrorurl/internal/config"
	"github.com/andywarduk/mirrorurl/internal/crawler"
	"github.com/andywarduk/mirrorurl/internal/metrics"
	"github.com/andywarduk/mirrorurl/internal/runstate"
)

var (
	// ErrInvalidRequest wraps every validation failure of a run request.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrRunConflict is returned when another active run writes to the same output directory.
	ErrRunConflict = errors.New("output directory already in use by an active run")
	// ErrMaxConcurrency signals that the global concurrency limit has been reached.
	ErrMaxConcurrency = errors.New("maximum concurrent runs reached")
	// ErrRunNotActive is returned when cancelling a run that already finished.
	ErrRunNotActive = errors.New("run not active")
)

// ManagerOptions configures a RunManager.
type ManagerOptions struct {
	MaxConcurrency int
	// OutputRoot, when set, confines every run's output directory below it.
	OutputRoot       string
	Store            runstate.Store
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
	SnapshotInterval time.Duration
	EngineOptions    []crawler.Option
}

// RunManager coordinates mirror engine lifecycles keyed by run id.
type RunManager struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	running int

	base    config.Config
	opts    ManagerOptions
	store   runstate.Store
	logger  *slog.Logger
	rootCtx context.Context
	wg      sync.WaitGroup
}

// NewRunManager constructs a manager with the provided defaults.
func NewRunManager(rootCtx context.Context, base config.Config, opts ManagerOptions) *RunManager {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 2
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = time.Second
	}
	if opts.Store == nil {
		opts.Store = runstate.NewMemoryStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &RunManager{
		runs:    make(map[string]*Run),
		base:    base.Clone(),
		opts:    opts,
		store:   opts.Store,
		logger:  logger,
		rootCtx: rootCtx,
	}
}

// Recover marks runs left active by a previous process as failed.
func (m *RunManager) Recover(ctx context.Context) error {
	snaps, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		m.mu.RLock()
		_, live := m.runs[snap.RunID]
		m.mu.RUnlock()
		if live || !snap.Status.Active() {
			continue
		}
		now := time.Now()
		snap.Status = runstate.StatusFailed
		snap.Message = "interrupted by server restart"
		snap.FinishedAt = &now
		if err := m.store.Save(ctx, snap); err != nil {
			return err
		}
		m.logger.Warn("marked orphaned run as failed", "run_id", snap.RunID, "start_url", snap.StartURL)
	}
	return nil
}

// StartRun validates the request, materialises a config and launches a run.
func (m *RunManager) StartRun(req CreateRunRequest) (*Run, error) {
	runID := uuid.NewString()
	cfg, err := m.buildConfig(req, runID)
	if err != nil {
		return nil, err
	}
	outDir, err := filepath.Abs(cfg.Mirror.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: output_dir: %v", ErrInvalidRequest, err)
	}
	cfg.Mirror.OutputDir = outDir

	run := newRun(runID, cfg, m)

	m.mu.Lock()
	for _, other := range m.runs {
		if other.active() && other.outputDir() == outDir {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrRunConflict, outDir)
		}
	}
	if m.running >= m.opts.MaxConcurrency {
		m.mu.Unlock()
		return nil, ErrMaxConcurrency
	}
	m.running++
	m.runs[runID] = run
	m.mu.Unlock()

	engineOpts := append([]crawler.Option{
		crawler.WithLogger(m.logger.With("run_id", runID)),
		crawler.WithMetrics(m.opts.Metrics),
	}, m.opts.EngineOptions...)
	engine, err := crawler.NewEngine(cfg, engineOpts...)
	if err != nil {
		m.mu.Lock()
		delete(m.runs, runID)
		m.running--
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	m.wg.Add(1)
	run.start(m.rootCtx, engine)
	return run, nil
}

// ListRuns returns every known run, newest first. Live runs report their
// current progress; finished runs come from the store.
func (m *RunManager) ListRuns(ctx context.Context) ([]runstate.Snapshot, error) {
	stored, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]runstate.Snapshot, len(stored))
	for _, snap := range stored {
		byID[snap.RunID] = snap
	}
	m.mu.RLock()
	for id, run := range m.runs {
		byID[id] = run.Snapshot()
	}
	m.mu.RUnlock()

	out := make([]runstate.Snapshot, 0, len(byID))
	for _, snap := range byID {
		out = append(out, snap)
	}
	runstate.SortSnapshots(out)
	return out, nil
}

// GetRun returns the backing run by id, if it was started by this process.
func (m *RunManager) GetRun(id string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[strings.TrimSpace(id)]
	return run, ok
}

// GetRunDetail captures the latest snapshot and, for live runs, the config.
func (m *RunManager) GetRunDetail(ctx context.Context, id string) (RunDetail, error) {
	if run, ok := m.GetRun(id); ok {
		cfg := run.ConfigSnapshot()
		return RunDetail{Run: run.Snapshot(), Config: &cfg}, nil
	}
	snap, err := m.store.Get(ctx, id)
	if err != nil {
		return RunDetail{}, err
	}
	return RunDetail{Run: snap}, nil
}

// CancelRun requests cancellation of an active run.
func (m *RunManager) CancelRun(id string) error {
	run, ok := m.GetRun(id)
	if !ok {
		return fmt.Errorf("run %q: %w", id, runstate.ErrNotFound)
	}
	if !run.Cancel("cancel requested via API") {
		return fmt.Errorf("run %q: %w", id, ErrRunNotActive)
	}
	return nil
}

// Shutdown cancels every active run and waits for them to finalize.
func (m *RunManager) Shutdown() {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	m.mu.RUnlock()

	for _, run := range runs {
		run.Cancel("manager shutdown")
	}
	m.wg.Wait()
}

func (m *RunManager) buildConfig(req CreateRunRequest, runID string) (config.Config, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(req.StartURL) == "" {
		return config.Config{}, invalid("start_url is required")
	}
	cfg := m.base.Clone()
	cfg.Mirror.StartURL = req.StartURL

	outDir, err := m.resolveOutputDir(req.OutputDir, runID)
	if err != nil {
		return config.Config{}, invalid("%v", err)
	}
	cfg.Mirror.OutputDir = outDir

	if req.Depth != nil {
		cfg.Crawl.MaxDepth = *req.Depth
	}
	if req.MaxPages != nil {
		cfg.Crawl.MaxPages = *req.MaxPages
	}
	if req.Concurrency != nil {
		cfg.Worker.Concurrency = *req.Concurrency
	}
	if req.PerHost != nil {
		cfg.Worker.PerHost = *req.PerHost
	}
	if req.Retries != nil {
		cfg.Worker.MaxRetries = *req.Retries
	}
	if req.Scope != "" {
		cfg.Crawl.Scope = req.Scope
	}
	if req.QueryPolicy != "" {
		cfg.Crawl.QueryPolicy = req.QueryPolicy
	}
	if req.Delay != nil {
		cfg.Crawl.PerDomainDelay = *req.Delay
	}
	if req.Timeout != nil {
		cfg.Fetch.RequestTimeout = *req.Timeout
	}
	if req.UserAgent != "" {
		cfg.Fetch.UserAgent = req.UserAgent
	}
	for k, v := range req.Headers {
		cfg.Fetch.Headers[k] = v
	}
	if req.ProxyURL != "" {
		cfg.Fetch.ProxyURL = strings.TrimSpace(req.ProxyURL)
	}
	if req.IndexName != "" {
		cfg.Mirror.IndexName = req.IndexName
	}
	if req.UseETags != nil {
		cfg.Mirror.UseETags = *req.UseETags
	}
	cfg.Mirror.SkipList = append(cfg.Mirror.SkipList, req.SkipList...)
	// a server-side skip file is not addressable through the API
	cfg.Mirror.SkipFile = ""
	if req.RateLimit != nil {
		cfg.Crawl.RateLimitPerDomain.Requests = req.RateLimit.Requests
		if req.RateLimit.WindowSeconds > 0 {
			cfg.Crawl.RateLimitPerDomain.Window = config.DurationFrom(time.Duration(req.RateLimit.WindowSeconds) * time.Second)
		}
	}
	if req.Robots != nil {
		cfg.Robots.Respect = req.Robots.Respect
	}

	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, invalid("%v", err)
	}
	return cfg, nil
}

func (m *RunManager) resolveOutputDir(requested, runID string) (string, error) {
	requested = strings.TrimSpace(requested)
	root := m.opts.OutputRoot
	if root == "" {
		if requested == "" {
			return "", errors.New("output_dir is required")
		}
		return requested, nil
	}
	if requested == "" {
		return filepath.Join(root, runID), nil
	}
	if !filepath.IsLocal(requested) {
		return "", fmt.Errorf("output_dir %q must be a relative path below the output root", requested)
	}
	return filepath.Join(root, requested), nil
}

func (m *RunManager) persist(snap runstate.Snapshot) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.rootCtx), 5*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, snap); err != nil {
		m.logger.Error("persist run snapshot failed", "run_id", snap.RunID, "error", err)
	}
}

func (m *RunManager) notifyCompletion() {
	m.mu.Lock()
	if m.running > 0 {
		m.running--
	}
	m.mu.Unlock()
	m.wg.Done()
}

// Run tracks the lifecycle and state of one mirror engine.
type Run struct {
	id      string
	manager *RunManager

	mu     sync.Mutex
	snap   runstate.Snapshot
	config config.Config
	engine *crawler.Engine
	cancel context.CancelFunc
	done   chan struct{}

	subMu       sync.RWMutex
	subscribers map[chan SSEEvent]struct{}
}

func newRun(id string, cfg config.Config, manager *RunManager) *Run {
	return &Run{
		id:      id,
		manager: manager,
		config:  cfg,
		snap: runstate.Snapshot{
			RunID:     id,
			StartURL:  cfg.Mirror.StartURL,
			OutputDir: cfg.Mirror.OutputDir,
			Status:    runstate.StatusPending,
			CreatedAt: time.Now().UTC(),
		},
		done:        make(chan struct{}),
		subscribers: make(map[chan SSEEvent]struct{}),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Done is closed once the run has finished and its outcome is persisted.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Status.Active()
}

func (r *Run) outputDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.Mirror.OutputDir
}

func (r *Run) start(parentCtx context.Context, engine *crawler.Engine) {
	runCtx, cancel := context.WithCancel(parentCtx)
	started := time.Now().UTC()

	r.mu.Lock()
	r.engine = engine
	r.cancel = cancel
	r.snap.Status = runstate.StatusRunning
	r.snap.Message = "running"
	r.snap.StartedAt = &started
	r.mu.Unlock()

	snap := r.Snapshot()
	r.manager.persist(snap)
	r.broadcast("run_started", snap)

	go func() {
		stopProgress := make(chan struct{})
		progressDone := make(chan struct{})
		go r.reportProgress(stopProgress, progressDone)

		_, err := engine.Run(runCtx)
		close(stopProgress)
		<-progressDone
		cancel()
		r.handleCompletion(err)
	}()
}

func (r *Run) reportProgress(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.manager.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := r.Snapshot()
			r.manager.persist(snap)
			r.broadcast("progress", snap)
		}
	}
}

func (r *Run) handleCompletion(err error) {
	now := time.Now().UTC()
	report := r.engine.Snapshot()

	r.mu.Lock()
	status := runstate.StatusCompleted
	message := "completed"
	errorText := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = runstate.StatusCancelled
		message = "cancelled"
	case err != nil:
		status = runstate.StatusFailed
		message = "failed"
		errorText = err.Error()
	}
	r.snap.Status = status
	r.snap.Message = message
	r.snap.Error = errorText
	r.snap.Report = report
	r.snap.FinishedAt = &now
	r.cancel = nil
	snap := r.snap
	r.mu.Unlock()

	r.manager.persist(snap)
	r.broadcast(terminalEventType(status), snap)
	r.manager.logger.Info("run finished", "run_id", r.id, "status", status, "error", errorText)

	close(r.done)
	r.manager.notifyCompletion()
}

func terminalEventType(status runstate.Status) string {
	switch status {
	case runstate.StatusCancelled:
		return "run_cancelled"
	case runstate.StatusFailed:
		return "run_failed"
	default:
		return "run_completed"
	}
}

// Cancel attempts to stop the running engine.
func (r *Run) Cancel(reason string) bool {
	r.mu.Lock()
	if r.snap.Status != runstate.StatusRunning || r.cancel == nil {
		r.mu.Unlock()
		return false
	}
	r.snap.Status = runstate.StatusCancelling
	r.snap.Message = reason
	cancel := r.cancel
	r.mu.Unlock()

	r.broadcast("run_cancelling", r.Snapshot())
	cancel()
	return true
}

// Snapshot returns a copy of the public run state with live progress.
func (r *Run) Snapshot() runstate.Snapshot {
	r.mu.Lock()
	snap := r.snap
	engine := r.engine
	r.mu.Unlock()
	if engine != nil && snap.Status.Active() {
		snap.Report = engine.Snapshot()
	}
	return snap
}

// ConfigSnapshot returns a copy of the run config.
func (r *Run) ConfigSnapshot() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.Clone()
}

// Subscribe registers an SSE subscriber for the run.
func (r *Run) Subscribe() (<-chan SSEEvent, func()) {
	ch := make(chan SSEEvent, 16)

	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()

	initial := SSEEvent{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Run:       r.Snapshot(),
	}
	select {
	case ch <- initial:
	default:
	}

	cancel := func() {
		r.subMu.Lock()
		if _, ok := r.subscribers[ch]; ok {
			delete(r.subscribers, ch)
			close(ch)
		}
		r.subMu.Unlock()
	}
	return ch, cancel
}

func (r *Run) broadcast(eventType string, snap runstate.Snapshot) {
	envelope := SSEEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Run:       snap,
	}

	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for ch := range r.subscribers {
		select {
		case ch <- envelope:
		default:
		}
	}
}
