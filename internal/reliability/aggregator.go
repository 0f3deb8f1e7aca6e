// Package reliability turns historical fetch metrics and pricing error
// samples into per-provider reliability aggregates, and converts those
// aggregates into the trust weights fed back into the consensus builder.
package reliability

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"cambiowatch/internal/market"
)

// HistorySource supplies the windowed raw material for aggregation.
// *storage.Store satisfies it.
type HistorySource interface {
	ListFetchMetrics(ctx context.Context, provider string, from, to time.Time) ([]market.FetchMetric, error)
	ListErrorSamples(ctx context.Context, provider string, from, to time.Time) ([]market.ErrorSample, error)
}

// AggregatorOptions tune the aggregator.
type AggregatorOptions struct {
	// SchedulerInterval determines how many captures one window is expected
	// to contain.
	SchedulerInterval time.Duration
}

// Aggregator computes windowed reliability records.
type Aggregator struct {
	source HistorySource
	opts   AggregatorOptions
	logger zerolog.Logger
}

// NewAggregator constructs an Aggregator.
func NewAggregator(source HistorySource, opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "reliability_aggregator").Logger(),
	}
}

// Compute aggregates each provider's record over [reference-window, reference).
// An empty window produces a zeroed record with a "no data" note; it never fails
// on absence of data.
func (a *Aggregator) Compute(ctx context.Context, providers []string, window time.Duration, reference time.Time) ([]market.Reliability, error) {
	windowEnd := reference
	windowStart := windowEnd.Add(-window)
	durationSeconds := math.Max(windowEnd.Sub(windowStart).Seconds(), 1)

	intervalSeconds := a.opts.SchedulerInterval.Seconds()
	if intervalSeconds < 1 {
		intervalSeconds = 1
	}
	expectedCaptures := int(math.Ceil(durationSeconds / intervalSeconds))
	if expectedCaptures < 1 {
		expectedCaptures = 1
	}

	records := make([]market.Reliability, 0, len(providers))
	for _, provider := range providers {
		metrics, err := a.source.ListFetchMetrics(ctx, provider, windowStart, windowEnd)
		if err != nil {
			return nil, fmt.Errorf("list fetch metrics for %s: %w", provider, err)
		}
		samples, err := a.source.ListErrorSamples(ctx, provider, windowStart, windowEnd)
		if err != nil {
			return nil, fmt.Errorf("list error samples for %s: %w", provider, err)
		}
		records = append(records, a.aggregate(provider, windowStart, windowEnd, expectedCaptures, metrics, samples))
	}
	return records, nil
}

func (a *Aggregator) aggregate(provider string, windowStart, windowEnd time.Time, expectedCaptures int, metrics []market.FetchMetric, samples []market.ErrorSample) market.Reliability {
	attempts := len(metrics)
	captures := 0
	totalRetries := 0
	totalAttempts := 0
	var latencies []float64
	statusCounts := make(map[string]int)
	errorCounts := make(map[string]int)

	for _, m := range metrics {
		if m.Success {
			captures++
		}
		totalRetries += m.Retries
		totalAttempts += m.Attempts
		if m.LatencyMS != nil {
			latencies = append(latencies, *m.LatencyMS)
		}
		statusKey := "none"
		if m.StatusCode != nil {
			statusKey = fmt.Sprintf("%d", *m.StatusCode)
		}
		statusCounts[statusKey]++
		if m.Error != nil && *m.Error != "" {
			errorCounts[*m.Error]++
		}
	}

	successRatio := 0.0
	if attempts > 0 {
		successRatio = float64(captures) / float64(attempts)
	}
	coverageRatio := math.Min(float64(captures)/float64(expectedCaptures), 1.0)

	deltas := make([]float64, 0, len(samples))
	for _, s := range samples {
		switch {
		case s.DeltaVsWeighted != nil:
			deltas = append(deltas, *s.DeltaVsWeighted)
		case s.DeltaVsConsensus != nil:
			deltas = append(deltas, *s.DeltaVsConsensus)
		}
	}

	record := market.Reliability{
		Provider:         provider,
		WindowStart:      windowStart,
		WindowEnd:        windowEnd,
		Captures:         captures,
		Attempts:         attempts,
		ExpectedCaptures: expectedCaptures,
		CoverageRatio:    coverageRatio,
		SuccessRatio:     successRatio,
		FailureCount:     attempts - captures,
		CreatedAt:        time.Now().UTC(),
	}

	if len(latencies) > 0 {
		record.MeanLatencyMS = ptr(mean(latencies))
		record.LatencyP50MS = ptr(percentile(latencies, 0.5))
		record.LatencyP95MS = ptr(percentile(latencies, 0.95))
	}

	if len(deltas) > 0 {
		record.MeanError = ptr(mean(deltas))
		// Population standard deviation: zero for a single sample, absent
		// when there are none.
		record.StdError = ptr(populationStd(deltas))
	}

	meanAttempts := 0.0
	if attempts > 0 {
		meanAttempts = float64(totalAttempts) / float64(attempts)
	}
	metadata := map[string]any{
		"status_codes":               statusCounts,
		"error_samples":              topErrors(errorCounts, 5),
		"total_retries":              totalRetries,
		"average_attempts":           meanAttempts,
		"window_minutes":             int(windowEnd.Sub(windowStart).Minutes()),
		"pricing_error_sample_count": len(deltas),
	}
	if attempts == 0 {
		metadata["notes"] = []string{"no data in window"}
	}
	record.Metadata = metadata

	return record
}

// percentile interpolates linearly between the two nearest ranks.
func percentile(values []float64, quantile float64) float64 {
	ordered := append([]float64(nil), values...)
	sort.Float64s(ordered)
	if len(ordered) == 1 {
		return ordered[0]
	}
	index := float64(len(ordered)-1) * quantile
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return ordered[lower]
	}
	return ordered[lower] + (ordered[upper]-ordered[lower])*(index-float64(lower))
}

func populationStd(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	total := 0.0
	for _, v := range values {
		d := v - m
		total += d * d
	}
	return math.Sqrt(total / float64(len(values)))
}

func mean(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func topErrors(counts map[string]int, limit int) []string {
	type entry struct {
		message string
		count   int
	}
	entries := make([]entry, 0, len(counts))
	for message, count := range counts {
		entries = append(entries, entry{message, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].message < entries[j].message
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.message)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
