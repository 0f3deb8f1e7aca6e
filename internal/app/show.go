package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"cambiowatch/internal/market"
)

type recentEventStore interface {
	ListRecentAnomalies(ctx context.Context, limit int) ([]market.AnomalyEvent, error)
	ListRecentDrift(ctx context.Context, limit int) ([]market.DriftEvent, error)
}

// Show prints recent consensus records and, optionally, recent events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show records")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentConsensus(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no consensus records found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBuy\tSell\tMid\tWeighted Mid\tDivergence\tProviders")
	for _, record := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			record.Timestamp.UTC().Format(time.RFC3339),
			formatRate(record.BuyRate),
			formatRate(record.SellRate),
			formatRate(record.MidRate),
			formatRate(record.WeightedMidRate),
			formatRate(record.DivergenceRange),
			record.ProviderCount,
		)
	}
	writer.Flush()

	if !opts.Events {
		return nil
	}
	return a.showEvents(ctx, store, opts.Limit)
}

func (a *App) showEvents(ctx context.Context, store recentEventStore, limit int) error {
	anomalies, err := store.ListRecentAnomalies(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout)
	if len(anomalies) == 0 {
		fmt.Fprintln(os.Stdout, "no anomaly events")
	} else {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tProvider\tSeverity\tScore\tDetector")
		for _, event := range anomalies {
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%.2f\t%s\n",
				event.Timestamp.UTC().Format(time.RFC3339),
				sanitizeInline(event.Provider),
				event.Severity,
				event.Score,
				event.Detector,
			)
		}
		writer.Flush()
	}

	drifts, err := store.ListRecentDrift(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout)
	if len(drifts) == 0 {
		fmt.Fprintln(os.Stdout, "no drift events")
		return nil
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tDirection\tSeverity\tValue\tEWMA\tCUSUM+\tCUSUM-")
	for _, event := range drifts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%.3f\t%.3f\n",
			event.Timestamp.UTC().Format(time.RFC3339),
			event.Direction,
			event.Severity,
			formatRate(event.Value),
			formatRate(event.EWMA),
			event.CusumPos,
			event.CusumNeg,
		)
	}
	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
