package crawler

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andywarduk/mirrorurl/pkg/types"
)

// runStats accumulates the counters and registries that make up a Report.
type runStats struct {
	fetched       atomic.Int64
	htmlDocuments atomic.Int64
	htmlBytes     atomic.Int64
	downloads     atomic.Int64
	downloadBytes atomic.Int64
	notModified   atomic.Int64
	unchanged     atomic.Int64
	written       atomic.Int64
	retries       atomic.Int64
	degraded      atomic.Int64

	mu       sync.Mutex
	skipped  map[string]types.SkipReason
	failed   map[string]types.SkipReason
	started  time.Time
	finished time.Time
}

func newRunStats() *runStats {
	return &runStats{
		skipped: make(map[string]types.SkipReason),
		failed:  make(map[string]types.SkipReason),
	}
}

// record files reason under key. The first reason recorded for a URL wins.
// It reports whether the entry is new.
func (s *runStats) record(key string, reason types.SkipReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failed[key]; ok {
		return false
	}
	if _, ok := s.skipped[key]; ok {
		return false
	}
	if reason.Failure() {
		s.failed[key] = reason
	} else {
		s.skipped[key] = reason
	}
	return true
}

func (s *runStats) setStarted(t time.Time) {
	s.mu.Lock()
	s.started = t
	s.mu.Unlock()
}

func (s *runStats) setFinished(t time.Time) {
	s.mu.Lock()
	s.finished = t
	s.mu.Unlock()
}

func (s *runStats) report(state types.RunState) types.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Report{
		State:         state,
		Fetched:       s.fetched.Load(),
		HTMLDocuments: s.htmlDocuments.Load(),
		HTMLBytes:     s.htmlBytes.Load(),
		Downloads:     s.downloads.Load(),
		DownloadBytes: s.downloadBytes.Load(),
		NotModified:   s.notModified.Load(),
		Unchanged:     s.unchanged.Load(),
		Written:       s.written.Load(),
		Retries:       s.retries.Load(),
		Degraded:      s.degraded.Load(),
		Skipped:       maps.Clone(s.skipped),
		Failed:        maps.Clone(s.failed),
		Started:       s.started,
		Finished:      s.finished,
	}
}
