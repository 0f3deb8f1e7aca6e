package cli

import (
	"github.com/spf13/cobra"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Execute a single capture cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Capture(cmd.Context())
	},
}
