// Package cmd implements the reconcile CLI using cobra: a thin host
// around the engine package for running the sync loop standalone,
// inspecting status, and exercising the schema registry from a
// terminal — the same role the teacher's cmd/root.go plays for td,
// generalized from task-tracker subcommands to sync-engine ones.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var versionStr = "dev"

// SetVersion sets the version string reported by --version.
func SetVersion(v string) {
	versionStr = v
	rootCmd.Version = v
}

var (
	storePath string
	remoteURL string
	apiKey    string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Offline-first sync engine host",
	Long: `reconcile runs and inspects the browser-resident reconciliation
engine's Go port: the outbox, push/pull pipelines, conflict resolver,
realtime subscriber, and supervisor, against a local SQLite store and a
remote PostgREST-like data service.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogger()
	},
}

func initLogger() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(logFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "reconcile.db", "path to the local SQLite store")
	rootCmd.PersistentFlags().StringVar(&remoteURL, "remote", "", "remote data service base URL (overrides config/remote.url)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("RECONCILE_API_KEY"), "bearer token for the remote data service")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "json|text")
}
