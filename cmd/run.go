package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/reconcile/internal/engine/status"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine's background loops until interrupted",
	Long: `run starts the realtime subscriber, watchdog, periodic tick, and
document-persistence loops and blocks until the process receives
SIGINT/SIGTERM, mirroring the always-on supervisor a host page keeps
alive for the lifetime of a browser tab.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		unsub := e.Status.Subscribe(func(snap status.Snapshot) {
			slog.Info("sync status", "status", snap.Status, "pending", snap.PendingCount, "realtime", snap.RealtimeState)
		})
		defer unsub()

		fmt.Println("reconcile: running (ctrl-c to stop)")
		e.Run(ctx, func() bool { return true }, func() bool { return true })
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
