// Command reconcile-server runs the reference remote data service
// (internal/remoteserver) standalone, the same way the teacher's
// cmd/td-sync binary hosts internal/api: a separate process the engine
// talks to over HTTP, not something the engine package itself embeds.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/marcus/reconcile/internal/remoteserver"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func main() {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg := remoteserver.Config{
		ListenAddr:      envOr("RECONCILE_SERVER_ADDR", ":8080"),
		DBPath:          envOr("RECONCILE_SERVER_DB", "reconcile-server.db"),
		Tables:          envList("RECONCILE_SERVER_TABLES"),
		SingletonTables: envList("RECONCILE_SERVER_SINGLETONS"),
		RateLimitOther:  envInt("RECONCILE_SERVER_RATE_OTHER", 0),
		RateLimitPush:   envInt("RECONCILE_SERVER_RATE_PUSH", 0),
		RateLimitPull:   envInt("RECONCILE_SERVER_RATE_PULL", 0),
	}
	if len(cfg.Tables) == 0 {
		cfg.Tables = []string{"notes", "settings", "tags"}
	}
	if len(cfg.SingletonTables) == 0 {
		cfg.SingletonTables = []string{"settings"}
	}

	srv, err := remoteserver.NewServer(cfg, logger)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		logger.Error("start server", "err", err)
		os.Exit(1)
	}
	logger.Info("reconcile-server started", "addr", cfg.ListenAddr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
