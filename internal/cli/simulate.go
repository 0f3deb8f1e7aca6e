package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cambiowatch/internal/market"
)

var simulateQuotes []string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Run one cycle over supplied quotes and trigger alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulateQuotes) == 0 {
			return errors.New("at least one --quote is required")
		}

		quotes := make([]market.Quote, 0, len(simulateQuotes))
		for _, raw := range simulateQuotes {
			quote, err := parseQuoteFlag(raw)
			if err != nil {
				return err
			}
			quotes = append(quotes, quote)
		}

		return getApp().Simulate(cmd.Context(), quotes)
	},
}

// parseQuoteFlag parses "provider=buy:sell", e.g. "banreservas=61.10:62.30".
func parseQuoteFlag(raw string) (market.Quote, error) {
	name, rates, ok := strings.Cut(raw, "=")
	if !ok || name == "" {
		return market.Quote{}, fmt.Errorf("invalid --quote %q: expected provider=buy:sell", raw)
	}
	buyRaw, sellRaw, ok := strings.Cut(rates, ":")
	if !ok {
		return market.Quote{}, fmt.Errorf("invalid --quote %q: expected provider=buy:sell", raw)
	}
	buy, err := strconv.ParseFloat(buyRaw, 64)
	if err != nil {
		return market.Quote{}, fmt.Errorf("invalid --quote %q: bad buy rate: %w", raw, err)
	}
	sell, err := strconv.ParseFloat(sellRaw, 64)
	if err != nil {
		return market.Quote{}, fmt.Errorf("invalid --quote %q: bad sell rate: %w", raw, err)
	}
	if buy <= 0 || sell <= 0 {
		return market.Quote{}, fmt.Errorf("invalid --quote %q: rates must be greater than 0", raw)
	}
	return market.Quote{Provider: name, BuyRate: buy, SellRate: sell}, nil
}

func init() {
	simulateCmd.Flags().StringArrayVar(&simulateQuotes, "quote", nil, "Quote as provider=buy:sell (repeatable)")
}
