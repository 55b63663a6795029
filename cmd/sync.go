package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/reconcile/internal/engine/supervisor"
)

var syncQuiet bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single push-then-pull cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Supervisor.RunFullSync(cmd.Context(), supervisor.Options{Quiet: syncQuiet}); err != nil {
			return fmt.Errorf("sync: %w", err)
		}

		snap := e.Status.Snapshot()
		fmt.Printf("status=%s pending=%d lastSyncTime=%s\n", snap.Status, snap.PendingCount, snap.LastSyncTime.Format("2006-01-02T15:04:05Z07:00"))
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncQuiet, "quiet", false, "suppress the syncing status transition")
	rootCmd.AddCommand(syncCmd)
}
