package cli

import (
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the composite health report; exits non-zero when unhealthy",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Health(cmd.Context())
		return err
	},
}
