package api

import (
	"time"

	"github.com/andywarduk/mirrorurl/internal/config"
	"github.com/andywarduk/mirrorurl/internal/runstate"
)

// CreateRunRequest captures the payload used to launch a mirror run. Unset
// fields fall back to the server's base configuration.
type CreateRunRequest struct {
	StartURL    string            `json:"start_url"`
	OutputDir   string            `json:"output_dir,omitempty"`
	Depth       *int              `json:"depth,omitempty"`
	MaxPages    *int              `json:"max_pages,omitempty"`
	Concurrency *int              `json:"concurrency,omitempty"`
	PerHost     *int              `json:"per_host,omitempty"`
	Retries     *int              `json:"retries,omitempty"`
	Scope       string            `json:"scope,omitempty"`
	QueryPolicy string            `json:"query_policy,omitempty"`
	Delay       *config.Duration  `json:"delay,omitempty"`
	Timeout     *config.Duration  `json:"timeout,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ProxyURL    string            `json:"proxy_url,omitempty"`
	IndexName   string            `json:"index_name,omitempty"`
	UseETags    *bool             `json:"use_etags,omitempty"`
	SkipList    []string          `json:"skip_list,omitempty"`
	RateLimit   *RateLimitRequest `json:"rate_limit,omitempty"`
	Robots      *RobotsRequest    `json:"robots,omitempty"`
}

// RobotsRequest captures robots.txt preferences.
type RobotsRequest struct {
	Respect bool `json:"respect"`
}

// RateLimitRequest describes optional per-domain throttling.
type RateLimitRequest struct {
	Requests int `json:"requests"`
	// WindowSeconds expresses the rate window in seconds.
	WindowSeconds int `json:"window_seconds"`
}

// RunDetail extends the run snapshot with the effective configuration.
type RunDetail struct {
	Run    runstate.Snapshot `json:"run"`
	Config *config.Config    `json:"config,omitempty"`
}

// SSEEvent envelopes run state for Server-Sent Event clients.
type SSEEvent struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Run       runstate.Snapshot `json:"run"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
