// Package runstate persists snapshots of mirror runs so the control API can
// report them, optionally across process restarts.
package runstate

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andywarduk/mirrorurl/pkg/types"
)

// Status is the lifecycle of a run as seen by the control API.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Active reports whether a run in this status still owns an engine.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusCancelling
}

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Snapshot captures the persisted state of one run.
type Snapshot struct {
	RunID      string       `json:"run_id"`
	StartURL   string       `json:"start_url"`
	OutputDir  string       `json:"output_dir"`
	Status     Status       `json:"status"`
	Message    string       `json:"message,omitempty"`
	Error      string       `json:"error,omitempty"`
	Report     types.Report `json:"report"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Store persists snapshots keyed by run id.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Remove(ctx context.Context, runID string) error
	Get(ctx context.Context, runID string) (Snapshot, error)
	List(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// NewStoreFromEnv returns a Redis store when REDIS_ADDR is set and an
// in-memory store otherwise. REDIS_PASSWORD and REDIS_DB are honoured.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return NewMemoryStore(), nil
	}
	db := 0
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		db = value
	}
	return NewRedisStore(ctx, RedisConfig{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	})
}
