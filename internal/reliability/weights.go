package reliability

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"cambiowatch/internal/market"
)

// WeightOptions tune how reliability aggregates become trust weights.
type WeightOptions struct {
	// Window is the trailing reliability window consulted per computation.
	Window time.Duration
	// Alpha, Beta, Gamma weight coverage, success ratio, and latency score;
	// Delta penalises the mean pricing error.
	Alpha float64
	Beta  float64
	Gamma float64
	Delta float64
	// Floor is the minimum weight per provider, clamped to [0, 0.5].
	Floor float64
	// LatencyCapMS fully penalises latency at or beyond the cap.
	LatencyCapMS float64
	// ErrorCap fully penalises a mean error at or beyond the cap.
	ErrorCap float64
	// BaselineScore is granted to providers without a reliability record so
	// cold starts are not starved.
	BaselineScore float64
}

// Calculator converts reliability records into normalised provider weights.
type Calculator struct {
	aggregator *Aggregator
	opts       WeightOptions
	logger     zerolog.Logger
}

// NewCalculator constructs a Calculator on top of an aggregator.
func NewCalculator(aggregator *Aggregator, opts WeightOptions, logger zerolog.Logger) *Calculator {
	return &Calculator{
		aggregator: aggregator,
		opts:       opts,
		logger:     logger.With().Str("component", "weight_calculator").Logger(),
	}
}

// Compute returns a weight per provider, summing to 1. Providers are
// deduplicated preserving first occurrence.
func (c *Calculator) Compute(ctx context.Context, providers []string, reference time.Time) (map[string]float64, error) {
	distinct := dedupe(providers)
	if len(distinct) == 0 {
		return map[string]float64{}, nil
	}

	window := c.opts.Window
	if window < 30*time.Minute {
		window = 30 * time.Minute
	}

	records, err := c.aggregator.Compute(ctx, distinct, window, reference)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(distinct))
	for _, record := range records {
		if record.Attempts == 0 && record.MeanError == nil {
			// No history at all (cold start, or a scraped bank that never
			// has its own fetch metrics): baseline, not zero.
			scores[record.Provider] = c.opts.BaselineScore
			continue
		}
		scores[record.Provider] = c.score(record)
	}
	for _, provider := range distinct {
		if _, ok := scores[provider]; !ok {
			scores[provider] = c.opts.BaselineScore
		}
	}

	return c.normalize(distinct, scores), nil
}

// FromScores is the softmax+floor step alone, exposed for callers that
// already hold scores (and for targeted testing).
func (c *Calculator) FromScores(providers []string, scores map[string]float64) map[string]float64 {
	return c.normalize(dedupe(providers), scores)
}

func (c *Calculator) normalize(providers []string, scores map[string]float64) map[string]float64 {
	if len(providers) == 0 {
		return map[string]float64{}
	}

	// Softmax with the max score subtracted for numerical stability.
	maxScore := math.Inf(-1)
	for _, provider := range providers {
		if s := scores[provider]; s > maxScore {
			maxScore = s
		}
	}
	expScores := make(map[string]float64, len(providers))
	total := 0.0
	for _, provider := range providers {
		e := math.Exp(scores[provider] - maxScore)
		expScores[provider] = e
		total += e
	}
	if total <= 0 {
		return equalWeights(providers)
	}

	normalized := make(map[string]float64, len(providers))
	for _, provider := range providers {
		normalized[provider] = expScores[provider] / total
	}

	floor := c.opts.Floor
	if floor <= 0 {
		return normalized
	}
	floor = math.Min(math.Max(floor, 0), 0.5)

	baseAllocation := floor * float64(len(providers))
	if baseAllocation >= 1 {
		return equalWeights(providers)
	}

	residual := 1 - baseAllocation
	floored := make(map[string]float64, len(providers))
	for _, provider := range providers {
		floored[provider] = floor + normalized[provider]*residual
	}

	// Renormalise to absorb floating-point drift.
	sum := 0.0
	for _, provider := range providers {
		sum += floored[provider]
	}
	for _, provider := range providers {
		floored[provider] /= sum
	}
	return floored
}

func (c *Calculator) score(record market.Reliability) float64 {
	coverage := clamp01(record.CoverageRatio)
	success := clamp01(record.SuccessRatio)
	return c.opts.Alpha*coverage +
		c.opts.Beta*success +
		c.opts.Gamma*c.latencyScore(record) -
		c.opts.Delta*c.errorPenalty(record)
}

func (c *Calculator) latencyScore(record market.Reliability) float64 {
	cap := math.Max(c.opts.LatencyCapMS, 1)
	latency := record.LatencyP95MS
	if latency == nil {
		latency = record.MeanLatencyMS
	}
	if latency == nil {
		return 1
	}
	ratio := math.Min(*latency, cap) / cap
	return math.Max(0, 1-ratio)
}

func (c *Calculator) errorPenalty(record market.Reliability) float64 {
	cap := math.Max(c.opts.ErrorCap, 1e-3)
	err := 0.0
	if record.MeanError != nil {
		err = math.Abs(*record.MeanError)
	}
	return math.Min(err, cap) / cap
}

func equalWeights(providers []string) map[string]float64 {
	weights := make(map[string]float64, len(providers))
	share := 1.0 / float64(len(providers))
	for _, provider := range providers {
		weights[provider] = share
	}
	return weights
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func dedupe(providers []string) []string {
	seen := make(map[string]struct{}, len(providers))
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
