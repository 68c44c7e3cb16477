package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scope policies.
const (
	ScopeHost   = "host"
	ScopeDomain = "domain"
	ScopePrefix = "prefix"
)

// Query policies.
const (
	QueryPreserve = "preserve"
	QuerySort     = "sort"
	QuerySkip     = "skip"
)

// Config captures the full configuration required to run a mirror.
type Config struct {
	Mirror  MirrorConfig  `yaml:"mirror" json:"mirror"`
	Worker  WorkerConfig  `yaml:"worker" json:"worker"`
	Crawl   CrawlConfig   `yaml:"crawl" json:"crawl"`
	Fetch   FetchConfig   `yaml:"fetch" json:"fetch"`
	Robots  RobotsConfig  `yaml:"robots" json:"robots"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// MirrorConfig selects what is mirrored and where it is written.
type MirrorConfig struct {
	StartURL  string   `yaml:"start_url" json:"start_url"`
	OutputDir string   `yaml:"output_dir" json:"output_dir"`
	IndexName string   `yaml:"index_name" json:"index_name"`
	UseETags  bool     `yaml:"use_etags" json:"use_etags"`
	SkipList  []string `yaml:"skip_list" json:"skip_list,omitempty"`
	SkipFile  string   `yaml:"skip_file" json:"skip_file,omitempty"`
}

// WorkerConfig controls concurrency and retry behaviour.
type WorkerConfig struct {
	Concurrency  int      `yaml:"concurrency" json:"concurrency"`
	PerHost      int      `yaml:"per_host" json:"per_host"`
	MaxRetries   int      `yaml:"max_retries" json:"max_retries"`
	RetryBackoff Duration `yaml:"retry_backoff" json:"retry_backoff"`
	MaxBackoff   Duration `yaml:"max_backoff" json:"max_backoff"`
}

// CrawlConfig controls the frontier, scope and throttling.
type CrawlConfig struct {
	MaxDepth           int             `yaml:"max_depth" json:"max_depth"`
	MaxPages           int             `yaml:"max_pages" json:"max_pages"`
	Scope              string          `yaml:"scope" json:"scope"`
	QueryPolicy        string          `yaml:"query_policy" json:"query_policy"`
	PerDomainDelay     Duration        `yaml:"per_domain_delay" json:"per_domain_delay"`
	RateLimitPerDomain RateLimitConfig `yaml:"rate_limit_per_domain" json:"rate_limit_per_domain"`
}

// RateLimitConfig applies a token bucket per domain.
type RateLimitConfig struct {
	Requests int      `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`
}

// FetchConfig tunes the HTTP client.
type FetchConfig struct {
	UserAgent      string            `yaml:"user_agent" json:"user_agent"`
	Headers        map[string]string `yaml:"headers" json:"headers,omitempty"`
	ProxyURL       string            `yaml:"proxy_url" json:"proxy_url,omitempty"`
	RequestTimeout Duration          `yaml:"request_timeout" json:"request_timeout"`
	ConnectTimeout Duration          `yaml:"connect_timeout" json:"connect_timeout"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes" json:"max_body_bytes"`
	MaxRedirects   int               `yaml:"max_redirects" json:"max_redirects"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect" json:"respect"`
	Overrides []string `yaml:"overrides" json:"overrides,omitempty"`
	UserAgent string   `yaml:"user_agent" json:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Structured bool   `yaml:"structured" json:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Mirror: MirrorConfig{
			IndexName: "index.html",
			UseETags:  true,
		},
		Worker: WorkerConfig{
			Concurrency:  max(1, runtime.GOMAXPROCS(0)),
			PerHost:      4,
			MaxRetries:   3,
			RetryBackoff: DurationFrom(500 * time.Millisecond),
			MaxBackoff:   DurationFrom(10 * time.Second),
		},
		Crawl: CrawlConfig{
			MaxDepth:       5,
			Scope:          ScopeHost,
			QueryPolicy:    QueryPreserve,
			PerDomainDelay: DurationFrom(100 * time.Millisecond),
		},
		Fetch: FetchConfig{
			UserAgent:      "mirrorurl/1.0",
			Headers:        map[string]string{},
			RequestTimeout: DurationFrom(5 * time.Minute),
			ConnectTimeout: DurationFrom(60 * time.Second),
			MaxBodyBytes:   256 * 1024 * 1024,
			MaxRedirects:   10,
		},
		Robots: RobotsConfig{
			Respect:   true,
			Overrides: []string{},
			UserAgent: "mirrorurl",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
		},
	}
}

// Load reads and merges configuration from a YAML file over the defaults.
// The start URL and output directory are checked later by Validate so that
// command line flags can still supply them.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalise()
	if err := cfg.ValidateSettings(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces every invariant required to start a mirror run.
func (c Config) Validate() error {
	if c.Mirror.StartURL == "" {
		return errors.New("mirror.start_url must be set")
	}
	parsed, err := url.Parse(c.Mirror.StartURL)
	if err != nil {
		return fmt.Errorf("mirror.start_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("mirror.start_url %q must use http or https", c.Mirror.StartURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("mirror.start_url %q missing host", c.Mirror.StartURL)
	}
	if c.Mirror.OutputDir == "" {
		return errors.New("mirror.output_dir must be set")
	}
	return c.ValidateSettings()
}

// ValidateSettings checks everything except the run target.
func (c Config) ValidateSettings() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.PerHost < 0 {
		return fmt.Errorf("worker.per_host must be >= 0 (got %d)", c.Worker.PerHost)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0 (got %d)", c.Worker.MaxRetries)
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0 (got %d)", c.Crawl.MaxPages)
	}
	switch c.Crawl.Scope {
	case ScopeHost, ScopeDomain, ScopePrefix:
	default:
		return fmt.Errorf("crawl.scope must be one of host, domain, prefix (got %q)", c.Crawl.Scope)
	}
	switch c.Crawl.QueryPolicy {
	case QueryPreserve, QuerySort, QuerySkip:
	default:
		return fmt.Errorf("crawl.query_policy must be one of preserve, sort, skip (got %q)", c.Crawl.QueryPolicy)
	}
	if rl := c.Crawl.RateLimitPerDomain; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit_per_domain.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0 (got %d)", c.Fetch.MaxRedirects)
	}
	if c.Fetch.RequestTimeout.Duration <= 0 {
		return errors.New("fetch.request_timeout must be > 0")
	}
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("fetch.user_agent must be set")
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	if name := c.Mirror.IndexName; name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("mirror.index_name %q is not a plain file name", name)
	}
	return nil
}

// Normalise trims and de-duplicates user supplied values.
func (c *Config) Normalise() {
	c.Mirror.StartURL = strings.TrimSpace(c.Mirror.StartURL)
	c.Mirror.OutputDir = strings.TrimSpace(c.Mirror.OutputDir)
	c.Mirror.IndexName = strings.TrimSpace(c.Mirror.IndexName)
	c.Mirror.SkipFile = strings.TrimSpace(c.Mirror.SkipFile)
	c.Crawl.Scope = strings.ToLower(strings.TrimSpace(c.Crawl.Scope))
	c.Crawl.QueryPolicy = strings.ToLower(strings.TrimSpace(c.Crawl.QueryPolicy))
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if c.Fetch.Headers == nil {
		c.Fetch.Headers = make(map[string]string)
	}
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	if len(c.Mirror.SkipList) > 0 {
		cleaned := make([]string, 0, len(c.Mirror.SkipList))
		for _, entry := range c.Mirror.SkipList {
			if entry = strings.TrimSpace(entry); entry != "" {
				cleaned = append(cleaned, entry)
			}
		}
		c.Mirror.SkipList = cleaned
	}
}

// ResolveSkipFile appends the entries of the configured skip file, a JSON
// array of strings, to the skip list.
func (c *Config) ResolveSkipFile() error {
	if c.Mirror.SkipFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.Mirror.SkipFile)
	if err != nil {
		return fmt.Errorf("open skip list file %s: %w", c.Mirror.SkipFile, err)
	}
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("load skip list file %s: %w", c.Mirror.SkipFile, err)
	}
	c.Mirror.SkipList = append(c.Mirror.SkipList, entries...)
	c.Normalise()
	return nil
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	out := c
	out.Mirror.SkipList = append([]string(nil), c.Mirror.SkipList...)
	out.Robots.Overrides = append([]string(nil), c.Robots.Overrides...)
	out.Fetch.Headers = make(map[string]string, len(c.Fetch.Headers))
	for k, v := range c.Fetch.Headers {
		out.Fetch.Headers[k] = v
	}
	return out
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether per-domain rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
