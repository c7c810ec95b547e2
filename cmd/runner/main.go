package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glizzus/cronrunner/internal/config"
	"github.com/glizzus/cronrunner/internal/generator"
	"github.com/glizzus/cronrunner/internal/job"
	"github.com/glizzus/cronrunner/internal/repository"
	"github.com/glizzus/cronrunner/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newLogger(cfg *config.RunnerConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newMetricsServer(addr string, reg *prometheus.Registry, runner *worker.Runner) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := runner.State()
		if state != worker.StateRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintln(w, state)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func runForever() (err error) {
	if err := config.LoadEnv(); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No .env file found, continuing without it")
		} else {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg, err := config.NewRunnerConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load runner config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	policy, err := worker.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := repository.OpenFromEnv(ctx, cfg.StoreDriver)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}
	defer func() {
		if cerr := closeRepo(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close store: %w", cerr))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := worker.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	runner, err := worker.New(worker.Config{
		Repository:    repo,
		Jobs:          []*job.Definition{heartbeatJob},
		Period:        cfg.Period,
		StopTimeout:   cfg.StopTimeout,
		DrainTimeout:  cfg.DrainTimeout,
		FailurePolicy: policy,
		Identity:      generator.NewRunnerIdentityGenerator(),
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure job schema: %w", err)
	}
	if err := ensureHeartbeat(ctx, repo, runner, cfg.HeartbeatSchedule); err != nil {
		return err
	}

	server := newMetricsServer(cfg.MetricsAddr, reg, runner)
	go func() {
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("failed to shut down metrics server", "error", serr)
		}
	}()

	return runner.Run(ctx)
}

func main() {
	if err := runForever(); err != nil {
		slog.Error("Runner encountered an error", slog.Any("error", err))
		os.Exit(1)
	}
}
