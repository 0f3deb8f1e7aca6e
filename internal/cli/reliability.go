package cli

import (
	"time"

	"github.com/spf13/cobra"

	"cambiowatch/internal/app"
)

var reliabilityWindow time.Duration

var reliabilityCmd = &cobra.Command{
	Use:   "reliability",
	Short: "Report provider reliability and trust weights",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReliabilityOptions{
			Window: reliabilityWindow,
		}
		return getApp().Reliability(cmd.Context(), opts)
	},
}

func init() {
	reliabilityCmd.Flags().DurationVar(&reliabilityWindow, "window", 0, "Reliability window (defaults to config)")
}
