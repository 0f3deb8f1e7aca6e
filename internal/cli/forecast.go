package cli

import (
	"github.com/spf13/cobra"

	"cambiowatch/internal/app"
)

var (
	forecastUnits float64
	forecastCost  float64
)

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Project today's consensus rate to end of day",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ForecastOptions{
			TradingUnits:    forecastUnits,
			TransactionCost: forecastCost,
		}
		return getApp().Forecast(cmd.Context(), opts)
	},
}

func init() {
	forecastCmd.Flags().Float64Var(&forecastUnits, "units", 0, "Notional USD amount (defaults to config)")
	forecastCmd.Flags().Float64Var(&forecastCost, "cost", 0, "Round-trip transaction cost in DOP (defaults to config)")
}
