package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/andywarduk/mirrorurl/internal/config"
)

// failureTTL bounds how long a failed robots.txt fetch is remembered.
const failureTTL = time.Minute

// Agent evaluates robots.txt rules with caching and domain overrides.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	overrides map[string]struct{}
	group     singleflight.Group
}

type cacheEntry struct {
	fetched time.Time
	ttl     time.Duration
	// rules is nil when the fetch failed; the host is then treated as open.
	rules *robotstxt.RobotsData
}

// NewAgent constructs a robots agent from configuration.
func NewAgent(cfg config.RobotsConfig, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	ttl := cfg.CacheTTL.OrDefault(30 * time.Minute)

	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		overrides[host] = struct{}{}
	}

	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		cache:     make(map[string]cacheEntry),
		overrides: overrides,
	}
}

// Allowed reports whether the target URL is permitted. Errors fetching
// robots.txt allow the URL.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if a == nil || !a.respect {
		return true
	}

	host := strings.ToLower(target.Hostname())
	if _, ok := a.overrides[host]; ok {
		return true
	}

	rules := a.rules(ctx, target)
	if rules == nil {
		return true
	}

	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return rules.TestAgent(path, a.userAgent)
}

func (a *Agent) rules(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	key := strings.ToLower(target.Scheme + "://" + target.Host)

	a.mu.RLock()
	entry, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && time.Since(entry.fetched) < entry.ttl {
		return entry.rules
	}

	v, _, _ := a.group.Do(key, func() (any, error) {
		rules, err := a.fetch(ctx, key+"/robots.txt")
		entry := cacheEntry{fetched: time.Now(), ttl: a.ttl, rules: rules}
		if err != nil {
			entry.ttl = min(failureTTL, a.ttl)
		}
		a.mu.Lock()
		a.cache[key] = entry
		a.mu.Unlock()
		return rules, nil
	})
	rules, _ := v.(*robotstxt.RobotsData)
	return rules
}

func (a *Agent) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("robots returned status %d", resp.StatusCode)
	}

	// FromResponse treats 4xx as "allow everything".
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}
