// Package urlnorm canonicalizes discovered links and decides whether they
// belong to the mirror's scope.
package urlnorm

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/andywarduk/mirrorurl/internal/config"
	"github.com/andywarduk/mirrorurl/pkg/types"
)

// Options selects the scope and query policies.
type Options struct {
	Scope       string
	QueryPolicy string
}

// Normalizer canonicalizes URLs relative to a fixed start URL.
type Normalizer struct {
	start     *url.URL
	scope     string
	query     string
	prefix    string
	registrar string
}

// New builds a Normalizer anchored at start.
func New(start string, opts Options) (*Normalizer, error) {
	if opts.Scope == "" {
		opts.Scope = config.ScopeHost
	}
	if opts.QueryPolicy == "" {
		opts.QueryPolicy = config.QueryPreserve
	}
	switch opts.Scope {
	case config.ScopeHost, config.ScopeDomain, config.ScopePrefix:
	default:
		return nil, fmt.Errorf("unknown scope policy %q", opts.Scope)
	}
	switch opts.QueryPolicy {
	case config.QueryPreserve, config.QuerySort, config.QuerySkip:
	default:
		return nil, fmt.Errorf("unknown query policy %q", opts.QueryPolicy)
	}

	n := &Normalizer{scope: opts.Scope, query: opts.QueryPolicy}
	parsed, err := url.Parse(strings.TrimSpace(start))
	if err != nil {
		return nil, fmt.Errorf("%w: start url %q: %v", types.ErrInvalidURL, start, err)
	}
	u, err := n.canonicalize(parsed, start)
	if err != nil {
		return nil, fmt.Errorf("start url: %w", err)
	}
	n.start = u
	n.prefix = dirOf(u.Path)
	n.registrar = registrable(u.Hostname())
	return n, nil
}

// Start returns a copy of the normalized start URL.
func (n *Normalizer) Start() *url.URL {
	u := *n.start
	return &u
}

// Normalize resolves raw against base and canonicalizes the result.
// Out-of-scope URLs come back normalized together with an error matching
// types.ErrOutOfScope.
func (n *Normalizer) Normalize(raw string, base *url.URL) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	ref, err := url.Parse(trimmed)
	if err != nil {
		return nil, types.Filtered(raw, types.SkipReason{Kind: types.SkipInvalidURL, Detail: err.Error()})
	}
	if base == nil {
		base = &url.URL{}
	}
	u, err := n.canonicalize(base.ResolveReference(ref), raw)
	if err != nil {
		return nil, err
	}
	if !n.InScope(u) {
		return u, types.Filtered(u.String(), types.SkipReason{Kind: types.SkipOutOfScope})
	}
	return u, nil
}

func (n *Normalizer) canonicalize(in *url.URL, raw string) (*url.URL, error) {
	u := *in
	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "http", "https":
	case "":
		return nil, types.Filtered(raw, types.SkipReason{Kind: types.SkipInvalidURL, Detail: "missing scheme"})
	default:
		return nil, types.Filtered(raw, types.SkipReason{Kind: types.SkipScheme, Detail: u.Scheme})
	}
	if u.Opaque != "" {
		return nil, types.Filtered(raw, types.SkipReason{Kind: types.SkipInvalidURL, Detail: "opaque url"})
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, types.Filtered(raw, types.SkipReason{Kind: types.SkipInvalidURL, Detail: "missing host"})
	}
	port := u.Port()
	if port == defaultPortForScheme(u.Scheme) {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	if u.RawQuery == "" {
		u.ForceQuery = false
	} else {
		switch n.query {
		case config.QuerySkip:
			return nil, types.Filtered(raw, types.SkipReason{Kind: types.SkipQuery})
		case config.QuerySort:
			u.RawQuery = sortQuery(u.RawQuery)
		}
	}
	return &u, nil
}

// Key returns the canonical string used for visited-set membership.
func Key(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// InScope reports whether an already normalized URL may be crawled.
func (n *Normalizer) InScope(u *url.URL) bool {
	if u == nil {
		return false
	}
	switch n.scope {
	case config.ScopeDomain:
		if u.Host == n.start.Host {
			return true
		}
		return n.registrar != "" && registrable(u.Hostname()) == n.registrar
	case config.ScopePrefix:
		return u.Host == n.start.Host && strings.HasPrefix(u.Path, n.prefix)
	default:
		return u.Host == n.start.Host
	}
}

// SameOrigin reports whether u is served by the start URL's host.
func (n *Normalizer) SameOrigin(u *url.URL) bool {
	return u != nil && u.Host == n.start.Host
}

// Rel returns the path of u relative to the start URL's directory. URLs on
// other hosts or outside that directory are returned as host plus path.
func (n *Normalizer) Rel(u *url.URL) string {
	if u == nil {
		return ""
	}
	if n.SameOrigin(u) && strings.HasPrefix(u.Path, n.prefix) {
		return strings.TrimPrefix(u.Path, n.prefix)
	}
	return u.Host + u.Path
}

func dirOf(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "/"
	}
	return p[:idx+1]
}

func sortQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	for _, v := range values {
		sort.Strings(v)
	}
	// Encode orders parameters by key.
	return values.Encode()
}

func registrable(host string) string {
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
