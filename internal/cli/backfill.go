package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backfillLimit int

var backfillCmd = &cobra.Command{
	Use:   "backfill-times",
	Short: "Fill missing last_modified_time values from ledger close times",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		_, err := getApp().BackfillTimes(cmd.Context(), backfillLimit)
		return err
	},
}

func init() {
	backfillCmd.Flags().IntVar(&backfillLimit, "limit", 1000, "Maximum offers to backfill in this run")
}
