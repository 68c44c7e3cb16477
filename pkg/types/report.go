package types

import (
	"fmt"
	"time"
)

// SkipKind names the class of reason a URL was dropped.
type SkipKind string

const (
	SkipInvalidURL         SkipKind = "InvalidURL"
	SkipOutOfScope         SkipKind = "OutOfScope"
	SkipScheme             SkipKind = "Scheme"
	SkipQuery              SkipKind = "Query"
	SkipList               SkipKind = "SkipList"
	SkipRobots             SkipKind = "Robots"
	SkipMaxPages           SkipKind = "MaxPages"
	SkipHTTPStatus         SkipKind = "HTTPStatus"
	SkipRedirectOutOfScope SkipKind = "RedirectOutOfScope"
	SkipTooManyRedirects   SkipKind = "TooManyRedirects"
	SkipNetwork            SkipKind = "Network"
	SkipIO                 SkipKind = "IO"
	SkipCancelled          SkipKind = "Cancelled"
)

// SkipReason explains why a URL did not make it into the mirror.
type SkipReason struct {
	Kind   SkipKind `json:"kind"`
	Code   int      `json:"code,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// HTTPStatus builds the reason recorded for a non-2xx response.
func HTTPStatus(code int) SkipReason {
	return SkipReason{Kind: SkipHTTPStatus, Code: code}
}

func (r SkipReason) String() string {
	switch r.Kind {
	case SkipHTTPStatus:
		return fmt.Sprintf("HTTPStatus(%d)", r.Code)
	case SkipNetwork:
		if r.Detail != "" {
			return fmt.Sprintf("Network(%s)", r.Detail)
		}
	}
	return string(r.Kind)
}

// Failure reports whether the reason counts as a failure rather than a skip.
func (r SkipReason) Failure() bool {
	return r.Kind == SkipNetwork || r.Kind == SkipIO
}

// RunState is the lifecycle stage of a mirror run.
type RunState string

const (
	StateIdle     RunState = "idle"
	StateRunning  RunState = "running"
	StateDraining RunState = "draining"
	StateDone     RunState = "done"
)

// Report summarises a mirror run.
type Report struct {
	State         RunState              `json:"state"`
	StartURL      string                `json:"start_url"`
	OutputDir     string                `json:"output_dir"`
	Fetched       int64                 `json:"fetched"`
	HTMLDocuments int64                 `json:"html_documents"`
	HTMLBytes     int64                 `json:"html_bytes"`
	Downloads     int64                 `json:"downloads"`
	DownloadBytes int64                 `json:"download_bytes"`
	NotModified   int64                 `json:"not_modified"`
	Unchanged     int64                 `json:"unchanged"`
	Written       int64                 `json:"written"`
	Retries       int64                 `json:"retries"`
	Degraded      int64                 `json:"degraded"`
	Skipped       map[string]SkipReason `json:"skipped"`
	Failed        map[string]SkipReason `json:"failed"`
	Started       time.Time             `json:"started"`
	Finished      time.Time             `json:"finished"`
}
