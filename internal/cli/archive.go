package cli

import (
	"github.com/spf13/cobra"

	"sdexindexer/internal/app"
)

var archiveHorizon uint64

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Run one archival pass with the configured policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Archive(cmd.Context(), app.ArchiveOptions{Horizon: archiveHorizon})
		return err
	},
}

func init() {
	archiveCmd.Flags().Uint64Var(&archiveHorizon, "horizon", 0, "Archive rows with last_modified_ledger below this ledger (defaults to the policy)")
}
