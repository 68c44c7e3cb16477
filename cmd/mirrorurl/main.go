package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/andywarduk/mirrorurl/internal/config"
	"github.com/andywarduk/mirrorurl/internal/crawler"
	"github.com/andywarduk/mirrorurl/internal/logging"
	"github.com/andywarduk/mirrorurl/internal/metrics"
	"github.com/andywarduk/mirrorurl/pkg/types"
)

const (
	exitOK          = 0
	exitSetup       = 1
	exitUsage       = 2
	exitInterrupted = 130
)

// CLI flags structure. Pointer fields stay nil unless given so that values
// from --config are only overridden explicitly.
type CLI struct {
	URL       string `arg:"" help:"Start URL to mirror."`
	OutputDir string `arg:"" help:"Directory the mirror is written to."`

	Config      string         `help:"Path to a YAML configuration file."`
	Depth       *int           `help:"Maximum link depth from the start URL." short:"d"`
	MaxPages    *int           `help:"Stop admitting URLs after this many (0 = unlimited)."`
	Concurrency *int           `help:"Number of concurrent fetch workers." short:"c"`
	PerHost     *int           `help:"Maximum in-flight requests per host (0 = unlimited)."`
	Scope       string         `help:"Which discovered URLs are followed (host, domain, prefix)."`
	Query       string         `help:"Query string handling (preserve, sort, skip)."`
	Delay       *time.Duration `help:"Minimum spacing between requests to one host."`
	Timeout     *time.Duration `help:"Timeout for a single fetch attempt."`
	Retries     *int           `help:"Retries for network failures."`
	Robots      bool           `help:"Honour robots.txt." xor:"robots"`
	NoRobots    bool           `help:"Ignore robots.txt." xor:"robots"`
	SkipFile    string         `help:"JSON file listing path prefixes to skip."`
	Skip        []string       `help:"Path prefix to skip, relative to the start URL. Repeatable."`
	NoEtags     bool           `help:"Do not send If-None-Match for previously mirrored files."`
	IndexName   string         `help:"File name used for directory-like URLs."`
	UserAgent   string         `help:"User-Agent header sent with every request."`
	LogLevel    string         `help:"Log level (debug, info, warn, error)."`
	LogJSON     bool           `help:"Emit JSON logs." name:"log-json"`
	MetricsAddr string         `help:"Serve Prometheus metrics on this address while running."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var cli CLI
	exited := -1
	parser, err := kong.New(&cli,
		kong.Name("mirrorurl"),
		kong.Description("Mirror a website to a local directory for offline browsing."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exited = code }),
	)
	if err != nil {
		fmt.Fprintf(stderr, "mirrorurl: %v\n", err)
		return exitSetup
	}
	_, err = parser.Parse(args)
	if exited >= 0 {
		return exited
	}
	if err != nil {
		fmt.Fprintf(stderr, "mirrorurl: %v\n", err)
		return exitUsage
	}

	cfg, err := cli.config()
	if err != nil {
		fmt.Fprintf(stderr, "mirrorurl: %v\n", err)
		return exitUsage
	}

	logger, err := logging.New(cfg.Logging, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "mirrorurl: %v\n", err)
		return exitUsage
	}

	m := metrics.New()
	if cli.MetricsAddr != "" {
		srv := &http.Server{Addr: cli.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cli.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	engine, err := crawler.NewEngine(cfg, crawler.WithLogger(logger), crawler.WithMetrics(m))
	if err != nil {
		logger.Error("failed to initialise mirror", "error", err)
		fmt.Fprintf(stderr, "mirrorurl: %v\n", err)
		return exitSetup
	}

	report, err := engine.Run(ctx)
	printSummary(stdout, report)

	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "mirrorurl: interrupted")
		return exitInterrupted
	case err != nil:
		fmt.Fprintf(stderr, "mirrorurl: %v\n", err)
		return exitSetup
	}
	return exitOK
}

// config merges the optional config file with command line overrides.
func (c *CLI) config() (config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		loaded, err := config.Load(c.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = *loaded
	}

	cfg.Mirror.StartURL = c.URL
	cfg.Mirror.OutputDir = c.OutputDir
	if c.Depth != nil {
		cfg.Crawl.MaxDepth = *c.Depth
	}
	if c.MaxPages != nil {
		cfg.Crawl.MaxPages = *c.MaxPages
	}
	if c.Concurrency != nil {
		cfg.Worker.Concurrency = *c.Concurrency
	}
	if c.PerHost != nil {
		cfg.Worker.PerHost = *c.PerHost
	}
	if c.Scope != "" {
		cfg.Crawl.Scope = c.Scope
	}
	if c.Query != "" {
		cfg.Crawl.QueryPolicy = c.Query
	}
	if c.Delay != nil {
		cfg.Crawl.PerDomainDelay = config.DurationFrom(*c.Delay)
	}
	if c.Timeout != nil {
		cfg.Fetch.RequestTimeout = config.DurationFrom(*c.Timeout)
	}
	if c.Retries != nil {
		cfg.Worker.MaxRetries = *c.Retries
	}
	switch {
	case c.Robots:
		cfg.Robots.Respect = true
	case c.NoRobots:
		cfg.Robots.Respect = false
	}
	if c.SkipFile != "" {
		cfg.Mirror.SkipFile = c.SkipFile
	}
	cfg.Mirror.SkipList = append(cfg.Mirror.SkipList, c.Skip...)
	if c.NoEtags {
		cfg.Mirror.UseETags = false
	}
	if c.IndexName != "" {
		cfg.Mirror.IndexName = c.IndexName
	}
	if c.UserAgent != "" {
		cfg.Fetch.UserAgent = c.UserAgent
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	if c.LogJSON {
		cfg.Logging.Structured = true
	}

	cfg.Normalise()
	if err := cfg.ValidateSettings(); err != nil {
		return config.Config{}, err
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func printSummary(w io.Writer, r types.Report) {
	elapsed := time.Duration(0)
	if !r.Started.IsZero() && !r.Finished.IsZero() {
		elapsed = r.Finished.Sub(r.Started).Round(time.Millisecond)
	}
	fmt.Fprintf(w, "Mirrored %s into %s in %s\n", r.StartURL, r.OutputDir, elapsed)
	fmt.Fprintf(w, "  fetched:      %d\n", r.Fetched)
	fmt.Fprintf(w, "  html:         %d documents, %d bytes\n", r.HTMLDocuments, r.HTMLBytes)
	fmt.Fprintf(w, "  downloads:    %d files, %d bytes\n", r.Downloads, r.DownloadBytes)
	fmt.Fprintf(w, "  written:      %d (unchanged %d, not modified %d)\n", r.Written, r.Unchanged, r.NotModified)
	fmt.Fprintf(w, "  retries:      %d\n", r.Retries)
	fmt.Fprintf(w, "  skipped:      %d\n", len(r.Skipped))
	fmt.Fprintf(w, "  failed:       %d\n", len(r.Failed))
	for _, u := range sortedKeys(r.Failed) {
		fmt.Fprintf(w, "    %s: %s\n", u, r.Failed[u])
	}
}

func sortedKeys(m map[string]types.SkipReason) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
