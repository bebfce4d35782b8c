package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/elderdiet/activitysync/internal/httpapi"
	"github.com/elderdiet/activitysync/internal/ingest"
	"github.com/elderdiet/activitysync/internal/logging"
	"github.com/elderdiet/activitysync/internal/recordstore"
)

func main() {
	logger := logging.New(envOrDefault("ACTIVITYSYNC_INGEST_LOG_LEVEL", "info"), envOrDefault("ACTIVITYSYNC_INGEST_LOG_FORMAT", "json"))
	addr := envOrDefault("ACTIVITYSYNC_INGEST_ADDR", ":8080")

	state, err := buildStateFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ingest state")
	}
	store, err := ingest.NewStoreWithOptions(ingest.StoreOptions{
		State:           state,
		MaxStoredEvents: intEnv(logger, "ACTIVITYSYNC_INGEST_MAX_STORED_EVENTS", 0),
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load ingest state")
	}
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("ACTIVITYSYNC_INGEST_JWT_SECRET"),
		Audience:        strings.TrimSpace(os.Getenv("ACTIVITYSYNC_INGEST_JWT_AUDIENCE")),
		RateLimitMax:    intEnv(logger, "ACTIVITYSYNC_INGEST_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv(logger, "ACTIVITYSYNC_INGEST_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env(logger, "ACTIVITYSYNC_INGEST_MAX_BODY_BYTES", 0),
		Logger:          logger,
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("activitysync ingest listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
	if state != nil {
		_ = state.Close()
	}
}

// buildStateFromEnv picks the snapshot store. No DSN keeps state in memory.
func buildStateFromEnv() (recordstore.Store, error) {
	dsn := strings.TrimSpace(os.Getenv("ACTIVITYSYNC_INGEST_STATE_DSN"))
	if dsn == "" {
		if dataDir := strings.TrimSpace(os.Getenv("ACTIVITYSYNC_INGEST_DATA_DIR")); dataDir != "" {
			dsn = dataDir
		}
	}
	if dsn == "" {
		return nil, nil
	}
	return recordstore.BuildFromDSN(dsn, "ingest")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(logger zerolog.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn().Msgf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(logger zerolog.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn().Msgf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(logger zerolog.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn().Msgf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
