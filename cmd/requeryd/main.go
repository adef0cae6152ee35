package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/requery"
	"github.com/l0p7/requery/filesource"
	"github.com/l0p7/requery/internal/config"
	"github.com/l0p7/requery/internal/logging"
	"github.com/l0p7/requery/internal/server"
	"github.com/l0p7/requery/metrics"
	"github.com/l0p7/requery/valkeysource"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to daemon configuration file")
		envPrefix  = flag.String("env-prefix", "REQUERY", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	sourceLogger := logger.With(slog.String("agent", "source_factory"))
	source, fileSrc, err := buildSource(sourceLogger, cfg.Source)
	if err != nil {
		logger.Error("document source setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	if closer, ok := source.(interface{ Close() }); ok {
		defer closer.Close()
	}

	defaults, rules, err := config.BuildProfiles(cfg.Cache)
	if err != nil {
		logger.Error("profile table invalid", slog.Any("error", err))
		os.Exit(1)
	}
	for _, skip := range cfg.SkippedProfiles {
		logger.Warn("profile skipped",
			slog.String("prefix", skip.Prefix),
			slog.String("reason", skip.Reason))
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	cache, err := requery.New(requery.Config{
		Fetcher:       source,
		Defaults:      defaults,
		Profiles:      rules,
		SweepInterval: cfg.Cache.ParsedSweepInterval(),
		Metrics:       metricsRecorder,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("unable to construct cache", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := cache.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if fileSrc != nil && cfg.Source.File.WatchEnabled() {
		watcher, err := fileSrc.Watch(ctx, func(keys []requery.Key) {
			for _, key := range keys {
				cache.Invalidate(key)
			}
		}, func(err error) {
			logger.Error("source watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("source watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	if cfg.Cache.ProfilesFile != "" || cfg.Cache.ProfilesFolder != "" {
		watcher, err := loader.WatchProfiles(ctx, cfg, func(defaults requery.Profile, rules []requery.ProfileRule) {
			if err := cache.ReloadProfiles(defaults, rules); err != nil {
				logger.Error("profile reload rejected", slog.Any("error", err))
			}
		}, func(err error) {
			logger.Error("profiles watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("profiles watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewCacheHandler(cache, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", handler)

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildSource constructs the document source the cache reads through. The
// second return is non-nil only for the file backend, where the caller may
// attach a change watcher. Unlike an in-memory fallback there is no substitute
// for the source of truth, so construction failures are fatal.
func buildSource(logger *slog.Logger, cfg config.SourceConfig) (requery.Fetcher, *filesource.Source, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		src, err := filesource.New(cfg.File.Root, logger)
		if err != nil {
			return nil, nil, err
		}
		if logger != nil {
			logger.Info("using file document source", slog.String("root", cfg.File.Root))
		}
		return src, src, nil
	case config.BackendValkey:
		src, err := valkeysource.New(valkeysource.Config{
			Address:   cfg.Valkey.Address,
			Username:  cfg.Valkey.Username,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			TLS: valkeysource.TLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		if logger != nil {
			logger.Info("using valkey document source", slog.String("address", cfg.Valkey.Address))
		}
		return src, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported source backend %q", cfg.Backend)
	}
}
