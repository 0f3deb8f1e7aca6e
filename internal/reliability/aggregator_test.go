package reliability

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cambiowatch/internal/market"
)

type fakeHistory struct {
	metrics map[string][]market.FetchMetric
	samples map[string][]market.ErrorSample
}

func (f *fakeHistory) ListFetchMetrics(_ context.Context, provider string, _, _ time.Time) ([]market.FetchMetric, error) {
	return f.metrics[provider], nil
}

func (f *fakeHistory) ListErrorSamples(_ context.Context, provider string, _, _ time.Time) ([]market.ErrorSample, error) {
	return f.samples[provider], nil
}

func metric(success bool, latencyMS float64, status int, attempts, retries int) market.FetchMetric {
	m := market.FetchMetric{
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Success:   success,
		Attempts:  attempts,
		Retries:   retries,
	}
	m.LatencyMS = &latencyMS
	m.StatusCode = &status
	return m
}

func sample(delta float64) market.ErrorSample {
	return market.ErrorSample{
		Timestamp:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		DeltaVsWeighted: &delta,
	}
}

func newAggregator(source HistorySource) *Aggregator {
	return NewAggregator(source, AggregatorOptions{SchedulerInterval: 5 * time.Minute}, zerolog.Nop())
}

func TestComputeEmptyWindow(t *testing.T) {
	a := newAggregator(&fakeHistory{})

	records, err := a.Compute(context.Background(), []string{"BancoPopular"}, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}

	record := records[0]
	if record.Captures != 0 || record.Attempts != 0 {
		t.Fatalf("empty window should count nothing: %+v", record)
	}
	if record.CoverageRatio != 0 || record.SuccessRatio != 0 {
		t.Fatalf("empty window ratios must be zero: %+v", record)
	}
	notes, ok := record.Metadata["notes"].([]string)
	if !ok || len(notes) == 0 {
		t.Fatalf("expected a no-data note, got %v", record.Metadata["notes"])
	}
}

func TestComputeExpectedCapturesFromInterval(t *testing.T) {
	a := newAggregator(&fakeHistory{})

	records, err := a.Compute(context.Background(), []string{"X"}, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	// One hour at a five-minute interval.
	if records[0].ExpectedCaptures != 12 {
		t.Fatalf("expected 12 captures, got %d", records[0].ExpectedCaptures)
	}
}

func TestComputeRatiosAndLatency(t *testing.T) {
	source := &fakeHistory{
		metrics: map[string][]market.FetchMetric{
			"Banreservas": {
				metric(true, 100, 200, 1, 0),
				metric(true, 200, 200, 1, 0),
				metric(true, 300, 200, 2, 1),
				metric(false, 400, 503, 3, 2),
			},
		},
		samples: map[string][]market.ErrorSample{
			"Banreservas": {sample(0.1), sample(0.3)},
		},
	}
	a := newAggregator(source)

	records, err := a.Compute(context.Background(), []string{"Banreservas"}, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	record := records[0]

	if record.Captures != 3 || record.Attempts != 4 || record.FailureCount != 1 {
		t.Fatalf("counts wrong: %+v", record)
	}
	if math.Abs(record.SuccessRatio-0.75) > 1e-9 {
		t.Fatalf("success ratio should be 0.75, got %v", record.SuccessRatio)
	}
	if math.Abs(record.CoverageRatio-3.0/12.0) > 1e-9 {
		t.Fatalf("coverage should be 3/12, got %v", record.CoverageRatio)
	}
	if record.MeanLatencyMS == nil || math.Abs(*record.MeanLatencyMS-250) > 1e-9 {
		t.Fatalf("mean latency should be 250, got %v", record.MeanLatencyMS)
	}
	if record.LatencyP50MS == nil || math.Abs(*record.LatencyP50MS-250) > 1e-9 {
		t.Fatalf("p50 should interpolate to 250, got %v", record.LatencyP50MS)
	}
	// Index 3 * 0.95 = 2.85 between 300 and 400.
	if record.LatencyP95MS == nil || math.Abs(*record.LatencyP95MS-385) > 1e-9 {
		t.Fatalf("p95 should interpolate to 385, got %v", record.LatencyP95MS)
	}
	if record.MeanError == nil || math.Abs(*record.MeanError-0.2) > 1e-9 {
		t.Fatalf("mean error should be 0.2, got %v", record.MeanError)
	}
	if record.StdError == nil || math.Abs(*record.StdError-0.1) > 1e-9 {
		t.Fatalf("population std of {0.1, 0.3} is 0.1, got %v", record.StdError)
	}
}

func TestComputeCoverageCapped(t *testing.T) {
	var metrics []market.FetchMetric
	for i := 0; i < 20; i++ {
		metrics = append(metrics, metric(true, 50, 200, 1, 0))
	}
	a := newAggregator(&fakeHistory{metrics: map[string][]market.FetchMetric{"X": metrics}})

	records, err := a.Compute(context.Background(), []string{"X"}, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if records[0].CoverageRatio != 1.0 {
		t.Fatalf("coverage must cap at 1.0, got %v", records[0].CoverageRatio)
	}
}

func TestComputeSingleErrorSampleStdIsZero(t *testing.T) {
	source := &fakeHistory{
		metrics: map[string][]market.FetchMetric{"X": {metric(true, 50, 200, 1, 0)}},
		samples: map[string][]market.ErrorSample{"X": {sample(0.5)}},
	}
	a := newAggregator(source)

	records, err := a.Compute(context.Background(), []string{"X"}, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	record := records[0]
	if record.StdError == nil || *record.StdError != 0 {
		t.Fatalf("one sample has zero std, got %v", record.StdError)
	}
}

func TestPercentileInterpolation(t *testing.T) {
	values := []float64{10, 20, 30, 40}
	if got := percentile(values, 0.5); math.Abs(got-25) > 1e-9 {
		t.Fatalf("p50 of 10..40 should be 25, got %v", got)
	}
	if got := percentile([]float64{7}, 0.95); got != 7 {
		t.Fatalf("single value percentile is the value, got %v", got)
	}
}
