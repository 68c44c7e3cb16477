package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/andywarduk/mirrorurl/internal/api"
	"github.com/andywarduk/mirrorurl/internal/config"
	"github.com/andywarduk/mirrorurl/internal/logging"
	"github.com/andywarduk/mirrorurl/internal/metrics"
	"github.com/andywarduk/mirrorurl/internal/runstate"
)

type flags struct {
	Config         string `help:"Path to the base mirror configuration." default:"configs/config.yaml"`
	Addr           string `help:"HTTP listen address." default:":8080"`
	MaxConcurrency int    `help:"Maximum concurrent mirror runs." default:"5" env:"MIRRORURL_MAX_CONCURRENCY"`
	OutputRoot     string `help:"Directory every run's output is confined to." default:"mirrors" env:"MIRRORURL_OUTPUT_ROOT"`
}

func main() {
	var cli flags
	kong.Parse(&cli,
		kong.Name("mirrorurl-api"),
		kong.Description("HTTP control API for launching and observing mirror runs."),
	)

	baseCfg, err := loadBase(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(baseCfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := runstate.NewStoreFromEnv(ctx)
	if err != nil {
		logger.Error("failed to initialise redis run store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	m := metrics.New()
	manager := api.NewRunManager(ctx, *baseCfg, api.ManagerOptions{
		MaxConcurrency: cli.MaxConcurrency,
		OutputRoot:     cli.OutputRoot,
		Store:          store,
		Metrics:        m,
		Logger:         logger,
	})
	if err := manager.Recover(ctx); err != nil {
		logger.Warn("recover run snapshots failed", "error", err)
	}

	httpServer := &http.Server{
		Addr:              cli.Addr,
		Handler:           api.NewServer(manager, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}()

	logger.Info("api server listening", "addr", cli.Addr, "max_concurrency", cli.MaxConcurrency, "output_root", cli.OutputRoot)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	manager.Shutdown()
	logger.Info("api server stopped")
}

// loadBase reads the base config, falling back to defaults when the file is
// absent.
func loadBase(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		def := config.Default()
		return &def, nil
	}
	return cfg, err
}
