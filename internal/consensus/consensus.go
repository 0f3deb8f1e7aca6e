// Package consensus reconciles one cycle's provider quotes into unweighted
// and reliability-weighted consensus rates, plus a per-provider divergence
// report.
package consensus

import (
	"errors"
	"sort"

	"cambiowatch/internal/market"
)

// ErrNoQuotes indicates a consensus was requested over an empty quote set.
var ErrNoQuotes = errors.New("consensus: no quotes to reconcile")

// Options tune the builder.
type Options struct {
	// DivergenceThreshold is the absolute weighted delta (in rate units) at
	// which a provider is flagged as an outlier.
	DivergenceThreshold float64
}

// Builder computes consensus snapshots.
type Builder struct {
	opts Options
}

// NewBuilder constructs a Builder.
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts}
}

// Build reconciles the quotes into a consensus snapshot. weights may be nil,
// in which case each distinct provider receives equal weight. The snapshot's
// timestamp is the newest quote timestamp.
//
// Weighted buy/sell use a cumulative weighted median; the weighted mid is a
// weight-averaged mean of per-provider mean mids. The asymmetry dampens mid
// volatility and downstream error/drift series depend on it.
func (b *Builder) Build(quotes []market.Quote, weights map[string]float64) (market.ConsensusSnapshot, error) {
	if len(quotes) == 0 {
		return market.ConsensusSnapshot{}, ErrNoQuotes
	}

	buyValues := make([]float64, len(quotes))
	sellValues := make([]float64, len(quotes))
	for i, q := range quotes {
		buyValues[i] = q.BuyRate
		sellValues[i] = q.SellRate
	}

	consensusBuy := median(buyValues)
	consensusSell := median(sellValues)
	consensusMid := (consensusBuy + consensusSell) / 2

	resolved := resolveWeights(quotes, weights)
	weightedBuy := weightedMedian(buyValues, resolved, quotes)
	weightedSell := weightedMedian(sellValues, resolved, quotes)
	weightedMid := weightedMeanMid(quotes, resolved)

	minMid, maxMid := quotes[0].MidRate(), quotes[0].MidRate()
	newest := quotes[0].Timestamp
	providers := make([]string, 0, len(quotes))
	for _, q := range quotes {
		mid := q.MidRate()
		if mid < minMid {
			minMid = mid
		}
		if mid > maxMid {
			maxMid = mid
		}
		if q.Timestamp.After(newest) {
			newest = q.Timestamp
		}
		providers = append(providers, q.Provider)
	}

	validations := make([]market.ProviderValidation, 0, len(quotes))
	for _, q := range quotes {
		mid := q.MidRate()
		deltaUnweighted := mid - consensusMid
		deltaWeighted := mid - weightedMid
		validations = append(validations, market.ProviderValidation{
			Provider:              q.Provider,
			BuyRate:               q.BuyRate,
			SellRate:              q.SellRate,
			DeltaVsConsensus:      deltaUnweighted,
			DeltaVsWeighted:       deltaWeighted,
			DifferenceVsConsensus: abs(deltaUnweighted),
			DifferenceVsWeighted:  abs(deltaWeighted),
			Weight:                resolved[q.Provider],
			Flagged:               abs(deltaWeighted) >= b.opts.DivergenceThreshold,
		})
	}

	return market.ConsensusSnapshot{
		Timestamp:           newest,
		BuyRate:             consensusBuy,
		SellRate:            consensusSell,
		MidRate:             consensusMid,
		WeightedBuyRate:     weightedBuy,
		WeightedSellRate:    weightedSell,
		WeightedMidRate:     weightedMid,
		ProvidersConsidered: providers,
		Validations:         validations,
		DivergenceRange:     maxMid - minMid,
		ProviderWeights:     resolved,
	}, nil
}

// resolveWeights normalises external weights against each quote's confidence.
// Missing or degenerate weights fall back to equal weight per provider.
func resolveWeights(quotes []market.Quote, external map[string]float64) map[string]float64 {
	if len(external) == 0 {
		return equalWeights(quotes)
	}

	weights := make(map[string]float64, len(quotes))
	for _, q := range quotes {
		adjusted := max(external[q.Provider], 0) * max(q.Confidence, 0)
		weights[q.Provider] = adjusted
	}
	// Total over distinct providers, so a multi-quote provider cannot
	// inflate the normalisation and break the sum-to-one invariant.
	total := sumOrdered(weights)
	if total <= 0 {
		return equalWeights(quotes)
	}
	for provider, w := range weights {
		weights[provider] = w / total
	}
	return weights
}

func equalWeights(quotes []market.Quote) map[string]float64 {
	weights := make(map[string]float64, len(quotes))
	// Equal weight per distinct provider; a multi-quote provider still
	// counts once.
	distinct := make(map[string]struct{}, len(quotes))
	for _, q := range quotes {
		distinct[q.Provider] = struct{}{}
	}
	share := 1.0 / float64(len(distinct))
	for provider := range distinct {
		weights[provider] = share
	}
	return weights
}

// weightedMedian sorts values ascending, accumulating each quote's share of
// its provider's normalised weight (split across that provider's quotes so a
// scraped table does not double-count), and returns the first value at which
// the cumulative weight reaches one half. Zero total weight falls back to
// the plain median.
func weightedMedian(values []float64, weights map[string]float64, quotes []market.Quote) float64 {
	totalWeight := sumOrdered(weights)
	if totalWeight <= 0 {
		return median(values)
	}

	occurrences := make(map[string]int, len(quotes))
	for _, q := range quotes {
		occurrences[q.Provider]++
	}

	type pair struct {
		value  float64
		weight float64
	}
	pairs := make([]pair, 0, len(values))
	for i, value := range values {
		provider := quotes[i].Provider
		providerWeight := max(weights[provider], 0)
		count := max(occurrences[provider], 1)
		pairs = append(pairs, pair{value: value, weight: (providerWeight / totalWeight) / float64(count)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].value < pairs[j].value })

	cumulative := 0.0
	for _, p := range pairs {
		cumulative += p.weight
		if cumulative >= 0.5 {
			return p.value
		}
	}
	return pairs[len(pairs)-1].value
}

// weightedMeanMid averages each provider's mean mid by its weight.
func weightedMeanMid(quotes []market.Quote, weights map[string]float64) float64 {
	midsByProvider := make(map[string][]float64, len(weights))
	for _, q := range quotes {
		midsByProvider[q.Provider] = append(midsByProvider[q.Provider], q.MidRate())
	}

	providers := make([]string, 0, len(midsByProvider))
	for provider := range midsByProvider {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	weighted := 0.0
	for _, provider := range providers {
		w := weights[provider]
		if w <= 0 {
			continue
		}
		weighted += mean(midsByProvider[provider]) * w
	}
	return weighted
}

// sumOrdered accumulates map values in key order so repeated builds over the
// same inputs produce bit-identical results.
func sumOrdered(weights map[string]float64) float64 {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	total := 0.0
	for _, k := range keys {
		total += weights[k]
	}
	return total
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func mean(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
