package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sdexindexer/internal/app"
)

var (
	exportSelling   string
	exportBuying    string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a trading pair's offers as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportSelling == "" || exportBuying == "" {
			return fmt.Errorf("--selling and --buying must be provided")
		}

		opts := app.ExportOptions{
			Selling:   exportSelling,
			Buying:    exportBuying,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSelling, "selling", "", `Selling asset: "native" or CODE:ISSUER`)
	exportCmd.Flags().StringVar(&exportBuying, "buying", "", `Buying asset: "native" or CODE:ISSUER`)
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum offers to export (defaults to config)")
}
