package cli

import (
	"github.com/spf13/cobra"

	"sdexindexer/internal/alerting"
)

var simulateKind string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic notification through the configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateKind)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", string(alerting.KindArchivalFailure),
		"Notification kind: archival_failure, health_degraded or health_recovered")
}
