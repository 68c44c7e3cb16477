package types

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL marks input that cannot be parsed into an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid url")
	// ErrOutOfScope is a filtering signal: the URL is valid but must not be crawled.
	ErrOutOfScope = errors.New("url out of scope")
	// ErrParseDegraded marks links recovered by the fallback tokenizer scan.
	ErrParseDegraded = errors.New("html parse degraded")
	// ErrRedirectOutOfScope is returned when a redirect leaves the crawl scope.
	ErrRedirectOutOfScope = errors.New("redirect leaves scope")
	// ErrTooManyRedirects is returned when the redirect hop limit is exceeded.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrIO wraps filesystem failures in the mirror writer.
	ErrIO = errors.New("mirror io")
)

// NetworkKind classifies transport failures.
type NetworkKind string

const (
	NetworkTimeout  NetworkKind = "timeout"
	NetworkDNS      NetworkKind = "dns"
	NetworkConnect  NetworkKind = "connect"
	NetworkReset    NetworkKind = "reset"
	NetworkProtocol NetworkKind = "protocol"
	NetworkBody     NetworkKind = "body"
	NetworkOther    NetworkKind = "other"
)

// NetworkError reports a failed fetch attempt that never produced an HTTP status.
type NetworkError struct {
	Kind NetworkKind
	URL  string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (%s) fetching %s: %v", e.Kind, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *NetworkError) Retryable() bool {
	switch e.Kind {
	case NetworkBody:
		return false
	default:
		return true
	}
}

// FilterError carries the reason a URL was filtered out before fetching.
type FilterError struct {
	URL    string
	Reason SkipReason
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("skipping %s: %s", e.URL, e.Reason)
}

// Is makes every FilterError match ErrOutOfScope, except invalid URLs.
func (e *FilterError) Is(target error) bool {
	if e.Reason.Kind == SkipInvalidURL {
		return target == ErrInvalidURL
	}
	return target == ErrOutOfScope
}

// Filtered builds a FilterError.
func Filtered(rawURL string, reason SkipReason) error {
	return &FilterError{URL: rawURL, Reason: reason}
}

// ReasonFor maps an error from any pipeline stage to the reason recorded in the report.
func ReasonFor(err error) SkipReason {
	var filter *FilterError
	var netErr *NetworkError
	switch {
	case err == nil:
		return SkipReason{}
	case errors.As(err, &filter):
		return filter.Reason
	case errors.Is(err, ErrRedirectOutOfScope):
		return SkipReason{Kind: SkipRedirectOutOfScope, Detail: err.Error()}
	case errors.Is(err, ErrTooManyRedirects):
		return SkipReason{Kind: SkipTooManyRedirects}
	case errors.As(err, &netErr):
		return SkipReason{Kind: SkipNetwork, Detail: string(netErr.Kind)}
	case errors.Is(err, ErrIO):
		return SkipReason{Kind: SkipIO, Detail: err.Error()}
	case errors.Is(err, ErrInvalidURL):
		return SkipReason{Kind: SkipInvalidURL}
	case errors.Is(err, ErrOutOfScope):
		return SkipReason{Kind: SkipOutOfScope}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return SkipReason{Kind: SkipCancelled}
	default:
		return SkipReason{Kind: SkipNetwork, Detail: string(NetworkOther)}
	}
}
