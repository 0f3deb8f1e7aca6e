// Package anomaly flags providers whose deviation from consensus is
// statistically extreme, using a robust z-score built on the median and the
// median absolute deviation so a single outlier cannot mask itself.
package anomaly

import (
	"sort"

	"github.com/rs/zerolog"

	"cambiowatch/internal/market"
)

const (
	// madScale approximates the standard deviation from the MAD for a
	// normal distribution.
	madScale = 1.4826
	minScale = 1e-6

	detectorName = "zscore_mad"
)

// Options tune the detector.
type Options struct {
	// ZThreshold is the absolute robust z-score at which an event fires.
	ZThreshold float64
	// MinProviders is the minimum number of validations required to score.
	MinProviders int
	// CriticalDeviation is the absolute delta (in rate units) that raises
	// severity to CRITICAL, and the noise floor used when the distribution
	// has no spread.
	CriticalDeviation float64
}

// Detector scores provider deltas within one consensus snapshot.
type Detector struct {
	opts   Options
	logger zerolog.Logger
}

// NewDetector constructs a detector.
func NewDetector(opts Options, logger zerolog.Logger) *Detector {
	return &Detector{opts: opts, logger: logger.With().Str("component", "anomaly_detector").Logger()}
}

// Detect inspects a consensus snapshot and returns zero or more events.
// Fewer providers than the configured minimum yields an empty result.
func (d *Detector) Detect(consensus market.ConsensusSnapshot) []market.AnomalyEvent {
	validations := consensus.Validations
	if len(validations) < d.opts.MinProviders {
		return nil
	}

	// Weighted deltas are preferred; the unweighted ones only stand in when
	// no weighted consensus was produced for the cycle.
	useWeighted := consensus.WeightedMidRate > 0
	deltas := make([]float64, 0, len(validations))
	for _, v := range validations {
		deltas = append(deltas, providerDelta(v, useWeighted))
	}

	medianDelta := median(deltas)
	deviations := make([]float64, 0, len(deltas))
	for _, delta := range deltas {
		deviations = append(deviations, abs(delta-medianDelta))
	}
	madScaled := median(deviations) * madScale
	scale := max(madScaled, minScale)

	var events []market.AnomalyEvent
	for i, v := range validations {
		delta := deltas[i]
		if madScaled < minScale && abs(delta) < d.opts.CriticalDeviation {
			// No spread and a small raw delta: noise, not signal.
			continue
		}
		zScore := (delta - medianDelta) / scale
		score := abs(zScore)
		if score < d.opts.ZThreshold {
			continue
		}

		severity := market.SeverityWarn
		if abs(delta) >= d.opts.CriticalDeviation {
			severity = market.SeverityCritical
		}

		events = append(events, market.AnomalyEvent{
			Timestamp: consensus.Timestamp,
			Provider:  v.Provider,
			Metric:    "mid_rate",
			Detector:  detectorName,
			Score:     score,
			Severity:  severity,
			Context: map[string]any{
				"delta":          delta,
				"median_delta":   medianDelta,
				"z_score":        zScore,
				"weight":         v.Weight,
				"difference_abs": differenceAbs(v, useWeighted),
			},
		})

		d.logger.Warn().
			Str("provider", v.Provider).
			Float64("z_score", zScore).
			Str("severity", string(severity)).
			Msg("provider deviation flagged")
	}

	return events
}

func providerDelta(v market.ProviderValidation, useWeighted bool) float64 {
	if useWeighted {
		return v.DeltaVsWeighted
	}
	return v.DeltaVsConsensus
}

func differenceAbs(v market.ProviderValidation, useWeighted bool) float64 {
	if useWeighted {
		return v.DifferenceVsWeighted
	}
	return v.DifferenceVsConsensus
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
