package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local store's pending-operation count and sync cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		pending, err := e.Store.PendingCount()
		if err != nil {
			return fmt.Errorf("pending count: %w", err)
		}
		cursor, err := e.Store.Cursor()
		if err != nil {
			return fmt.Errorf("cursor: %w", err)
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"pending":    pending,
				"cursorTime": cursor.UpdatedAt,
				"cursorId":   cursor.ID,
				"deviceId":   e.DeviceID,
			})
		}

		fmt.Printf("pending:   %d\n", pending)
		fmt.Printf("cursor:    %s %s\n", cursor.UpdatedAt, cursor.ID)
		fmt.Printf("device_id: %s\n", e.DeviceID)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON instead of a text summary")
	rootCmd.AddCommand(statusCmd)
}
