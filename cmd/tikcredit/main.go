package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Marwenrb/TikCredit-Pro-sub000/internal/httpapi"
	"github.com/Marwenrb/TikCredit-Pro-sub000/internal/realtime"
	"github.com/Marwenrb/TikCredit-Pro-sub000/internal/submission"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevelFromEnv(),
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	addr := os.Getenv("TIKCREDIT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	dataDir := strings.TrimSpace(os.Getenv("TIKCREDIT_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".tikcredit"
	}

	local, err := submission.NewLocalStore(storePathFromEnv(dataDir), logger)
	if err != nil {
		return fmt.Errorf("initialize local store: %w", err)
	}
	remote, err := buildRemoteStoreFromEnv()
	if err != nil {
		return fmt.Errorf("initialize remote store: %w", err)
	}
	queue, err := submission.NewSyncQueue(local, remote, submission.SyncQueueOptions{
		StateFile:   filepath.Join(dataDir, "sync-queue.json"),
		BaseDelay:   durationEnv("TIKCREDIT_SYNC_BASE_DELAY", 30*time.Second),
		MaxDelay:    durationEnv("TIKCREDIT_SYNC_MAX_DELAY", time.Hour),
		MaxAttempts: intEnv("TIKCREDIT_SYNC_MAX_ATTEMPTS", 10),
		Workers:     intEnv("TIKCREDIT_SYNC_WORKERS", 4),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("initialize sync queue: %w", err)
	}
	validator, err := submission.NewValidator()
	if err != nil {
		return fmt.Errorf("initialize validator: %w", err)
	}

	var notifier submission.NotificationSender
	if notifyURL := strings.TrimSpace(os.Getenv("TIKCREDIT_NOTIFY_URL")); notifyURL != "" {
		notifier, err = submission.NewWebhookNotifier(notifyURL, nil)
		if err != nil {
			return fmt.Errorf("initialize notifier: %w", err)
		}
	}

	writer, err := submission.NewWriter(local, remote, queue, notifier, submission.WriterOptions{
		DedupWindow:   durationEnv("TIKCREDIT_DEDUP_WINDOW", 60*time.Second),
		RemoteTimeout: durationEnv("TIKCREDIT_REMOTE_TIMEOUT", 5*time.Second),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("initialize writer: %w", err)
	}

	broadcaster := realtime.NewBroadcaster(local, realtime.Options{
		PollInterval:      durationEnv("TIKCREDIT_REALTIME_POLL_INTERVAL", 5*time.Second),
		HeartbeatInterval: durationEnv("TIKCREDIT_REALTIME_HEARTBEAT", 30*time.Second),
		Logger:            logger,
	})
	defer broadcaster.Close()
	if err := broadcaster.WatchFile(local.Path()); err != nil {
		logger.Warn("store file watch unavailable, relying on polling", "error", err)
	}

	server := httpapi.NewServer(httpapi.Deps{
		Writer:      writer,
		Local:       local,
		Remote:      remote,
		Queue:       queue,
		Validator:   validator,
		Broadcaster: broadcaster,
		Logger:      logger,
	}, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("TIKCREDIT_JWT_SECRET"),
		RateLimitMax:    intEnv("TIKCREDIT_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("TIKCREDIT_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("TIKCREDIT_MAX_BODY_BYTES", 0),
		AllowedOrigins:  splitEnvList("TIKCREDIT_ALLOWED_ORIGINS"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go queue.Run(ctx, durationEnv("TIKCREDIT_SYNC_INTERVAL", time.Minute))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("tikcredit listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func storePathFromEnv(dataDir string) string {
	if path := strings.TrimSpace(os.Getenv("TIKCREDIT_STORE_FILE")); path != "" {
		return path
	}
	return filepath.Join(dataDir, "submissions.json")
}

// buildRemoteStoreFromEnv resolves the remote backend from the storage
// profile, with an explicit DSN taking precedence.
func buildRemoteStoreFromEnv() (submission.RemoteStoreClient, error) {
	if dsn := strings.TrimSpace(os.Getenv("TIKCREDIT_REMOTE_DSN")); dsn != "" {
		return submission.BuildRemoteStoreFromDSN(dsn)
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("TIKCREDIT_BACKEND_PROFILE")))
	switch profile {
	case "", "memory", "inmemory":
		return submission.BuildRemoteStoreFromDSN("memory://")
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("TIKCREDIT_POSTGRES_DSN"))
		if dsn == "" {
			return nil, fmt.Errorf("TIKCREDIT_POSTGRES_DSN is required when TIKCREDIT_BACKEND_PROFILE=%s", profile)
		}
		return submission.BuildRemoteStoreFromDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported TIKCREDIT_BACKEND_PROFILE: %s", profile)
	}
}

func logLevelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("TIKCREDIT_LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitEnvList(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
