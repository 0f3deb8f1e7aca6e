// Package forecast projects the end-of-day consensus mid rate from the
// current day's captures with an ordinary least-squares fit, and translates
// the expected movement into a trade recommendation.
package forecast

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Recommendation summarises the projected opportunity.
type Recommendation string

const (
	RecommendBuy  Recommendation = "BUY"
	RecommendSell Recommendation = "SELL"
	RecommendHold Recommendation = "HOLD"
)

// InsufficientDataError reports that too few captures exist for a fit.
type InsufficientDataError struct {
	Needed int
	Got    int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("forecast: need at least %d points, have %d", e.Needed, e.Got)
}

// Options tune the projection.
type Options struct {
	// MinPoints is the minimum number of captures required for a fit.
	MinPoints int
	// TradingUnits is the notional USD amount the gain estimate assumes.
	TradingUnits float64
	// TransactionCost is the round-trip cost (DOP) subtracted from the gross gain.
	TransactionCost float64
}

// Point is one consensus capture.
type Point struct {
	Timestamp time.Time
	Mid       float64
}

// Projection is the fitted end-of-day outlook.
type Projection struct {
	GeneratedAt      time.Time
	EndOfDay         time.Time
	CurrentMid       float64
	ProjectedMid     float64
	SlopePerHour     float64
	ExpectedMovement float64
	GrossGain        decimal.Decimal
	NetGain          decimal.Decimal
	TransactionCost  decimal.Decimal
	// StdError is the standard deviation of the fit residuals (DOP per USD).
	StdError float64
	// BestCase and WorstCase bracket the net gain one residual std either way.
	BestCase  decimal.Decimal
	WorstCase decimal.Decimal
	// ConfidenceInterval is the width of the two-sided 2-sigma gain band.
	ConfidenceInterval decimal.Decimal
	Recommendation     Recommendation
	SampleSize         int
}

// Project fits a least-squares line through the points and extrapolates to
// the end of the newest point's UTC day. Points need not arrive sorted.
func Project(points []Point, opts Options, now time.Time) (Projection, error) {
	minPoints := opts.MinPoints
	if minPoints < 2 {
		minPoints = 5
	}
	if len(points) < minPoints {
		return Projection{}, &InsufficientDataError{Needed: minPoints, Got: len(points)}
	}

	ordered := append([]Point(nil), points...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	origin := ordered[0].Timestamp
	xs := make([]float64, len(ordered))
	ys := make([]float64, len(ordered))
	for i, p := range ordered {
		xs[i] = p.Timestamp.Sub(origin).Hours()
		ys[i] = p.Mid
	}
	slope, intercept := leastSquares(xs, ys)
	stdError := residualStd(xs, ys, slope, intercept)

	last := ordered[len(ordered)-1]
	endOfDay := time.Date(last.Timestamp.Year(), last.Timestamp.Month(), last.Timestamp.Day(), 23, 59, 59, 0, time.UTC)
	projected := intercept + slope*endOfDay.Sub(origin).Hours()
	movement := projected - last.Mid

	units := decimal.NewFromFloat(opts.TradingUnits)
	cost := decimal.NewFromFloat(opts.TransactionCost)
	gross := decimal.NewFromFloat(movement).Abs().Mul(units)
	net := gross.Sub(cost)

	band := decimal.NewFromFloat(stdError).Mul(units)

	recommendation := RecommendHold
	if net.IsPositive() {
		if movement > 0 {
			recommendation = RecommendBuy
		} else {
			recommendation = RecommendSell
		}
	}

	return Projection{
		GeneratedAt:        now,
		EndOfDay:           endOfDay,
		CurrentMid:         last.Mid,
		ProjectedMid:       projected,
		SlopePerHour:       slope,
		ExpectedMovement:   movement,
		GrossGain:          gross,
		NetGain:            net,
		TransactionCost:    cost,
		StdError:           stdError,
		BestCase:           net.Add(band),
		WorstCase:          net.Sub(band),
		ConfidenceInterval: band.Mul(decimal.NewFromInt(2)),
		Recommendation:     recommendation,
		SampleSize:         len(ordered),
	}, nil
}

// residualStd is the population standard deviation of the fit residuals.
func residualStd(xs, ys []float64, slope, intercept float64) float64 {
	var sum float64
	for i := range xs {
		r := ys[i] - (intercept + slope*xs[i])
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// leastSquares returns the OLS slope and intercept. A degenerate x spread
// (all captures at one instant) yields a flat line through the mean.
func leastSquares(xs, ys []float64) (slope, intercept float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denominator := n*sumXX - sumX*sumX
	if denominator == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denominator
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}
