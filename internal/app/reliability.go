package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Reliability prints the windowed reliability report and the trust weights
// the next capture cycle would use.
func (a *App) Reliability(ctx context.Context, opts ReliabilityOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot compute reliability")
	}
	if closeStore != nil {
		defer closeStore()
	}

	window := opts.Window
	if window <= 0 {
		window = a.Config.Weights.Window
	}

	providers := make([]string, 0, len(a.Config.Providers))
	for _, p := range a.Config.EnabledProviders() {
		providers = append(providers, p.Name)
	}
	if len(providers) == 0 {
		return errors.New("no enabled providers configured")
	}

	aggregator, calculator := a.newReliability(store)

	now := time.Now().UTC()
	records, err := aggregator.Compute(ctx, providers, window, now)
	if err != nil {
		return err
	}

	weights, err := calculator.Compute(ctx, providers, now)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "reliability window: %s ending %s\n\n", window, now.Format(time.RFC3339))

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Provider\tCaptures\tCoverage\tSuccess\tP50 ms\tP95 ms\tMean Err\tFailures\tWeight")
	for _, record := range records {
		fmt.Fprintf(
			writer,
			"%s\t%d/%d\t%.2f\t%.2f\t%s\t%s\t%s\t%d\t%.3f\n",
			record.Provider,
			record.Captures,
			record.ExpectedCaptures,
			record.CoverageRatio,
			record.SuccessRatio,
			formatOptional(record.LatencyP50MS, 0),
			formatOptional(record.LatencyP95MS, 0),
			formatOptional(record.MeanError, 4),
			record.FailureCount,
			weights[record.Provider],
		)
	}
	writer.Flush()
	return nil
}

func formatOptional(v *float64, places int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.*f", places, *v)
}
