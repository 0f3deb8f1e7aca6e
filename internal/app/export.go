package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"cambiowatch/internal/market"
)

// Export renders the stored consensus series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListConsensusBetween(ctx, from, to, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no consensus records found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting consensus records")

	if opts.CSVPath != "" {
		if err := writeConsensusCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeConsensusPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []market.ConsensusRecord, max int) []market.ConsensusRecord {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]market.ConsensusRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeConsensusCSV(path string, records []market.ConsensusRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"ts", "buy_rate", "sell_rate", "mid_rate", "weighted_buy_rate", "weighted_sell_rate", "weighted_mid_rate", "divergence_range", "provider_count"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, record := range records {
		row := []string{
			record.Timestamp.Format(time.RFC3339),
			formatRate(record.BuyRate),
			formatRate(record.SellRate),
			formatRate(record.MidRate),
			formatRate(record.WeightedBuyRate),
			formatRate(record.WeightedSellRate),
			formatRate(record.WeightedMidRate),
			formatRate(record.DivergenceRange),
			strconv.Itoa(record.ProviderCount),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeConsensusPNG(path string, records []market.ConsensusRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	mid := make([]float64, len(records))
	weighted := make([]float64, len(records))
	divergence := make([]float64, len(records))

	for i, record := range records {
		x[i] = record.Timestamp
		mid[i] = record.MidRate
		weighted[i] = record.WeightedMidRate
		divergence[i] = record.DivergenceRange
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Rate (DOP/USD)",
			ValueFormatter: rateFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Divergence (DOP)",
			ValueFormatter: rateFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Consensus mid",
				XValues: x,
				YValues: mid,
			},
			chart.TimeSeries{
				Name:    "Weighted mid",
				XValues: x,
				YValues: weighted,
			},
			chart.TimeSeries{
				Name:    "Divergence",
				XValues: x,
				YValues: divergence,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
