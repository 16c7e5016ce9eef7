package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chatmigrate/internal/auth"
	"chatmigrate/internal/checkpoint"
	"chatmigrate/internal/config"
	"chatmigrate/internal/destination"
	"chatmigrate/internal/engine"
	"chatmigrate/internal/export"
	"chatmigrate/internal/format"
	"chatmigrate/internal/httpapi"
	"chatmigrate/internal/logging"
	"chatmigrate/internal/observability"
)

func main() {
	cfg := config.LoadMigrate()
	logging.Init("migrate", cfg.LogFormat, cfg.LogLevel)

	runID := "run_" + ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
	logger := slog.Default().With("run_id", runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credential: loaded once, validated for uniqueness, owned by the manager
	// for the rest of the run.
	cache := &auth.Cache{Path: cfg.CredentialsPath}
	cred, err := cache.Load(cfg.Realm)
	if err != nil {
		logger.Error("load credentials failed", "err", err)
		os.Exit(1)
	}
	if cred.Expired(time.Now()) {
		logger.Info("cached access token is expired; it will be refreshed on the first unauthorized response")
	}
	httpClient := &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second}
	tokens := auth.NewManager(cfg.TokenURL, httpClient, cache, cred)

	src, err := export.ReadExport(cfg.ExportPath, export.Options{
		IncludeDeleted: cfg.IncludeDeleted,
		SpillThreshold: cfg.SpillThresholdBytes,
	})
	if err != nil {
		logger.Error("read export failed", "err", err)
		os.Exit(1)
	}
	defer src.Close()

	store, cleanup, err := checkpoint.NewStore(ctx, cfg.CheckpointDSN, cfg.RoomID)
	if err != nil {
		logger.Error("open checkpoint store failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	tracker, err := checkpoint.NewTracker(store, runID, src.Len())
	if err != nil {
		logger.Error("load checkpoint failed", "err", err)
		os.Exit(1)
	}

	formatter, err := format.New(cfg.Timezone, cfg.Locale)
	if err != nil {
		logger.Error("formatter init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpapi.Handler(tracker)}
	go func() {
		logger.Info("metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	var pacer *rate.Limiter
	if cfg.PacingMs > 0 {
		pacer = rate.NewLimiter(rate.Every(time.Duration(cfg.PacingMs)*time.Millisecond), 1)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "destination",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerConsecutiveFailures
		},
	})

	eng := &engine.Engine{
		Source: src,
		Format: formatter,
		Sender: &destination.Client{
			BaseURL: cfg.DestinationBaseURL,
			RoomID:  cfg.RoomID,
			HTTP:    httpClient,
		},
		Tokens:             tokens,
		Tracker:            tracker,
		Pacer:              pacer,
		Breaker:            cb,
		ErrorBudget:        cfg.ErrorBudget,
		RetryAfterFallback: time.Duration(cfg.RetryAfterFallbackMs) * time.Millisecond,
		Logger:             logger,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal, stopping after current message", "signal", sig.String())
		cancel()
	}()

	summary, runErr := eng.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	fmt.Printf("posted %d/%d messages\n", summary.Posted, summary.Total)
	if len(summary.Errors) > 0 {
		fmt.Printf("%d message(s) failed delivery:\n", len(summary.Errors))
		for _, e := range summary.Errors {
			fmt.Printf("  index %d (%s): %s\n", e.Index, e.Sender, e.Message)
		}
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "migration halted: %v\n", runErr)
		os.Exit(1)
	}
}
