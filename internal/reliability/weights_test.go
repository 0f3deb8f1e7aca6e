package reliability

import (
	"context"
	"math"
	"testing"
	"time"

	"cambiowatch/internal/market"

	"github.com/rs/zerolog"
)

func defaultWeightOptions() WeightOptions {
	return WeightOptions{
		Window:        12 * time.Hour,
		Alpha:         0.5,
		Beta:          0.25,
		Gamma:         0.15,
		Delta:         0.10,
		Floor:         0.05,
		LatencyCapMS:  2000,
		ErrorCap:      1.5,
		BaselineScore: 0.35,
	}
}

func newCalculator(source HistorySource) *Calculator {
	return NewCalculator(newAggregator(source), defaultWeightOptions(), zerolog.Nop())
}

func assertNormalized(t *testing.T, weights map[string]float64, floor float64) {
	t.Helper()
	sum := 0.0
	for provider, w := range weights {
		sum += w
		if w < floor-1e-6 {
			t.Fatalf("provider %s below floor: %v", provider, w)
		}
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Fatalf("weights must sum to 1, got %v", sum)
	}
}

func TestFromScoresSumsToOneAboveFloor(t *testing.T) {
	c := newCalculator(&fakeHistory{})
	providers := []string{"A", "B", "C", "D"}

	weights := c.FromScores(providers, map[string]float64{"A": 0.9, "B": 0.5, "C": 0.2, "D": -0.4})
	assertNormalized(t, weights, 0.05)
	if weights["A"] <= weights["D"] {
		t.Fatalf("higher score must earn a higher weight: %v", weights)
	}
}

func TestFromScoresOrderPreservedBySoftmax(t *testing.T) {
	c := newCalculator(&fakeHistory{})
	weights := c.FromScores([]string{"fast", "slow"}, map[string]float64{"fast": 0.9, "slow": 0.3})

	if weights["fast"] <= weights["slow"] {
		t.Fatalf("softmax must preserve score order: %v", weights)
	}
	assertNormalized(t, weights, 0.05)
}

func TestFromScoresIdenticalScoresAreEqual(t *testing.T) {
	c := newCalculator(&fakeHistory{})
	weights := c.FromScores([]string{"A", "B", "C"}, map[string]float64{"A": 0.4, "B": 0.4, "C": 0.4})

	for provider, w := range weights {
		if math.Abs(w-1.0/3.0) > 1e-9 {
			t.Fatalf("identical scores should split evenly, %s got %v", provider, w)
		}
	}
}

func TestFromScoresFloorConsumesAllMass(t *testing.T) {
	opts := defaultWeightOptions()
	opts.Floor = 0.5
	c := NewCalculator(newAggregator(&fakeHistory{}), opts, zerolog.Nop())

	// 0.5 * 3 providers exceeds the whole weight mass: everyone equal.
	weights := c.FromScores([]string{"A", "B", "C"}, map[string]float64{"A": 10, "B": 0, "C": -10})
	for provider, w := range weights {
		if math.Abs(w-1.0/3.0) > 1e-9 {
			t.Fatalf("saturated floor should force equal weights, %s got %v", provider, w)
		}
	}
}

func TestFromScoresDeduplicatesProviders(t *testing.T) {
	c := newCalculator(&fakeHistory{})
	weights := c.FromScores([]string{"A", "B", "A"}, map[string]float64{"A": 0.5, "B": 0.5})

	if len(weights) != 2 {
		t.Fatalf("duplicate providers must collapse, got %v", weights)
	}
	assertNormalized(t, weights, 0.05)
}

func TestComputeColdStartUsesBaseline(t *testing.T) {
	c := newCalculator(&fakeHistory{})

	weights, err := c.Compute(context.Background(), []string{"A", "B"}, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	// Both unrecorded, both at the baseline score, so equal weight.
	if math.Abs(weights["A"]-0.5) > 1e-9 || math.Abs(weights["B"]-0.5) > 1e-9 {
		t.Fatalf("cold start should split evenly, got %v", weights)
	}
}

func TestComputeRewardsHealthyProvider(t *testing.T) {
	source := &fakeHistory{
		metrics: map[string][]market.FetchMetric{
			"healthy": {
				metric(true, 80, 200, 1, 0),
				metric(true, 90, 200, 1, 0),
				metric(true, 110, 200, 1, 0),
			},
			"flaky": {
				metric(false, 1900, 503, 3, 2),
				metric(true, 1800, 200, 2, 1),
				metric(false, 1950, 503, 3, 2),
			},
		},
		samples: map[string][]market.ErrorSample{
			"flaky": {sample(1.2), sample(1.4)},
		},
	}
	c := newCalculator(source)

	weights, err := c.Compute(context.Background(), []string{"healthy", "flaky"}, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if weights["healthy"] <= weights["flaky"] {
		t.Fatalf("healthy provider must outrank the flaky one: %v", weights)
	}
	assertNormalized(t, weights, 0.05)
}
