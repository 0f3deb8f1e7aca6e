package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"cambiowatch/internal/forecast"
)

// Forecast projects today's consensus series to the end of the UTC day and
// prints the trading outlook.
func (a *App) Forecast(ctx context.Context, opts ForecastOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot forecast")
	}
	if closeStore != nil {
		defer closeStore()
	}

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	records, err := store.ListConsensusBetween(ctx, dayStart, now, 0)
	if err != nil {
		return err
	}

	points := make([]forecast.Point, 0, len(records))
	for _, record := range records {
		mid := record.WeightedMidRate
		if mid <= 0 {
			mid = record.MidRate
		}
		points = append(points, forecast.Point{Timestamp: record.Timestamp, Mid: mid})
	}

	units := a.Config.Forecast.TradingUnits
	if opts.TradingUnits > 0 {
		units = opts.TradingUnits
	}
	cost := a.Config.Forecast.TransactionCost
	if opts.TransactionCost > 0 {
		cost = opts.TransactionCost
	}

	projection, err := forecast.Project(points, forecast.Options{
		MinPoints:       a.Config.Forecast.Points,
		TradingUnits:    units,
		TransactionCost: cost,
	}, now)
	if err != nil {
		var insufficient *forecast.InsufficientDataError
		if errors.As(err, &insufficient) {
			fmt.Fprintf(os.Stdout, "not enough captures today for a projection (%d of %d)\n", insufficient.Got, insufficient.Needed)
			return nil
		}
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Generated\t%s\n", projection.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(writer, "End of day\t%s\n", projection.EndOfDay.Format(time.RFC3339))
	fmt.Fprintf(writer, "Current mid\t%s\n", formatRate(projection.CurrentMid))
	fmt.Fprintf(writer, "Projected mid\t%s\n", formatRate(projection.ProjectedMid))
	fmt.Fprintf(writer, "Slope per hour\t%s\n", formatRate(projection.SlopePerHour))
	fmt.Fprintf(writer, "Expected movement\t%s\n", formatRate(projection.ExpectedMovement))
	fmt.Fprintf(writer, "Gross gain\t%s DOP\n", projection.GrossGain.StringFixed(2))
	fmt.Fprintf(writer, "Net gain\t%s DOP\n", projection.NetGain.StringFixed(2))
	fmt.Fprintf(writer, "Best case\t%s DOP\n", projection.BestCase.StringFixed(2))
	fmt.Fprintf(writer, "Worst case\t%s DOP\n", projection.WorstCase.StringFixed(2))
	fmt.Fprintf(writer, "Samples\t%d\n", projection.SampleSize)
	fmt.Fprintf(writer, "Recommendation\t%s\n", projection.Recommendation)
	writer.Flush()
	return nil
}
