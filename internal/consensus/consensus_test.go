package consensus

import (
	"math"
	"testing"
	"time"

	"cambiowatch/internal/market"
)

func quote(provider string, buy, sell float64) market.Quote {
	return market.Quote{
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		BuyRate:    buy,
		SellRate:   sell,
		Provider:   provider,
		Confidence: 1.0,
	}
}

func TestBuildEmptyInput(t *testing.T) {
	b := NewBuilder(Options{DivergenceThreshold: 1.0})
	if _, err := b.Build(nil, nil); err != ErrNoQuotes {
		t.Fatalf("expected ErrNoQuotes, got %v", err)
	}
}

func TestBuildUnweightedMedians(t *testing.T) {
	b := NewBuilder(Options{DivergenceThreshold: 1.0})

	snapshot, err := b.Build([]market.Quote{
		quote("A", 61.0, 62.0),
		quote("B", 61.5, 62.5),
		quote("C", 62.0, 63.0),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if snapshot.BuyRate != 61.5 || snapshot.SellRate != 62.5 {
		t.Fatalf("median buy/sell wrong: %+v", snapshot)
	}
	if snapshot.MidRate != 62.0 {
		t.Fatalf("consensus mid should be 62.0, got %v", snapshot.MidRate)
	}
	if snapshot.DivergenceRange != 1.0 {
		t.Fatalf("divergence range should be 1.0, got %v", snapshot.DivergenceRange)
	}
}

func TestBuildEqualWeightsWhenNoneSupplied(t *testing.T) {
	b := NewBuilder(Options{DivergenceThreshold: 1.0})

	snapshot, err := b.Build([]market.Quote{
		quote("A", 61.0, 62.0),
		quote("B", 61.5, 62.5),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	sum := 0.0
	for _, w := range snapshot.ProviderWeights {
		sum += w
		if math.Abs(w-0.5) > 1e-9 {
			t.Fatalf("expected equal weights, got %v", snapshot.ProviderWeights)
		}
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Fatalf("weights must sum to 1, got %v", sum)
	}
}

func TestBuildWeightedMedianFollowsDominantProvider(t *testing.T) {
	b := NewBuilder(Options{DivergenceThreshold: 1.0})
	quotes := []market.Quote{
		quote("A", 60.0, 61.0),
		quote("B", 62.0, 63.0),
		quote("C", 64.0, 65.0),
	}

	snapshot, err := b.Build(quotes, map[string]float64{"A": 0.7, "B": 0.2, "C": 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.WeightedBuyRate != 60.0 {
		t.Fatalf("dominant provider should carry the weighted median, got %v", snapshot.WeightedBuyRate)
	}
	// Unweighted median unaffected.
	if snapshot.BuyRate != 62.0 {
		t.Fatalf("unweighted buy should remain 62.0, got %v", snapshot.BuyRate)
	}
}

func TestBuildWeightedMidIsWeightedMeanOfProviderMids(t *testing.T) {
	b := NewBuilder(Options{DivergenceThreshold: 1.0})
	quotes := []market.Quote{
		quote("A", 60.0, 62.0), // mid 61
		quote("B", 62.0, 64.0), // mid 63
	}

	snapshot, err := b.Build(quotes, map[string]float64{"A": 0.75, "B": 0.25})
	if err != nil {
		t.Fatal(err)
	}
	want := 61.0*0.75 + 63.0*0.25
	if math.Abs(snapshot.WeightedMidRate-want) > 1e-9 {
		t.Fatalf("weighted mid should be the weighted mean %.4f, got %.4f", want, snapshot.WeightedMidRate)
	}
	if snapshot.WeightedMidRate < 61.0 || snapshot.WeightedMidRate > 63.0 {
		t.Fatal("weighted mid must stay within the observed mid range")
	}
}

func TestBuildIdempotentUnderResubmission(t *testing.T) {
	b := NewBuilder(Options{DivergenceThreshold: 1.0})
	quotes := []market.Quote{
		quote("A", 61.0, 62.0),
		quote("B", 61.4, 62.6),
		quote("C", 62.0, 63.2),
	}
	weights := map[string]float64{"A": 0.5, "B": 0.3, "C": 0.2}

	first, err := b.Build(quotes, weights)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Build(quotes, weights)
	if err != nil {
		t.Fatal(err)
	}
	if first.WeightedBuyRate != second.WeightedBuyRate ||
		first.WeightedSellRate != second.WeightedSellRate ||
		first.WeightedMidRate != second.WeightedMidRate {
		t.Fatalf("weighted consensus must be idempotent: %+v vs %+v", first, second)
	}
}

func TestBuildMultiQuoteProviderNotDoubleCounted(t *testing.T) {
	b := NewBuilder(Options{DivergenceThreshold: 1.0})
	// Scraped provider contributes three rows; one structured provider.
	quotes := []market.Quote{
		quote("Scraped", 60.0, 61.0),
		quote("Scraped", 60.2, 61.2),
		quote("Scraped", 60.4, 61.4),
		quote("API", 64.0, 65.0),
	}

	snapshot, err := b.Build(quotes, map[string]float64{"Scraped": 0.4, "API": 0.6})
	if err != nil {
		t.Fatal(err)
	}

	// The scraped rows share 0.4 between them (cumulative 0.4 after all
	// three), so the API quote is the first to cross one half.
	if snapshot.WeightedBuyRate != 64.0 {
		t.Fatalf("expected API quote to carry the median, got %v", snapshot.WeightedBuyRate)
	}

	sum := 0.0
	for _, w := range snapshot.ProviderWeights {
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Fatalf("weights must sum to 1, got %v", sum)
	}
}

func TestBuildZeroWeightsFallBack(t *testing.T) {
	b := NewBuilder(Options{DivergenceThreshold: 1.0})
	quotes := []market.Quote{
		quote("A", 61.0, 62.0),
		quote("B", 62.0, 63.0),
	}

	snapshot, err := b.Build(quotes, map[string]float64{"A": 0, "B": 0})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(snapshot.ProviderWeights["A"]-0.5) > 1e-9 {
		t.Fatalf("degenerate weights should fall back to equal: %v", snapshot.ProviderWeights)
	}
}

func TestBuildFlagsDivergentProvider(t *testing.T) {
	b := NewBuilder(Options{DivergenceThreshold: 1.0})
	quotes := []market.Quote{
		quote("A", 61.0, 62.0),
		quote("B", 61.2, 62.2),
		quote("Outlier", 65.0, 66.0),
	}

	snapshot, err := b.Build(quotes, nil)
	if err != nil {
		t.Fatal(err)
	}

	flagged := map[string]bool{}
	for _, v := range snapshot.Validations {
		flagged[v.Provider] = v.Flagged
	}
	if !flagged["Outlier"] {
		t.Fatal("outlier provider should be flagged")
	}
	if flagged["A"] || flagged["B"] {
		t.Fatalf("aligned providers should not be flagged: %v", flagged)
	}
}
