package forecast

import (
	"errors"
	"math"
	"testing"
	"time"
)

func risingSeries(start time.Time, n int, base, perHour float64) []Point {
	points := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, Point{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Mid:       base + perHour*float64(i),
		})
	}
	return points
}

func TestProjectInsufficientData(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	_, err := Project(risingSeries(start, 3, 61.0, 0.1), Options{MinPoints: 5}, start)
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
	if insufficient.Needed != 5 || insufficient.Got != 3 {
		t.Fatalf("error should carry counts: %+v", insufficient)
	}
}

func TestProjectLinearTrend(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	points := risingSeries(start, 6, 61.0, 0.1)

	projection, err := Project(points, Options{MinPoints: 5, TradingUnits: 1000, TransactionCost: 0.15}, start.Add(5*time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	if math.Abs(projection.SlopePerHour-0.1) > 1e-9 {
		t.Fatalf("slope should be 0.1/h, got %v", projection.SlopePerHour)
	}
	// 13.99972h after the 10:00 origin.
	wantProjected := 61.0 + 0.1*projection.EndOfDay.Sub(start).Hours()
	if math.Abs(projection.ProjectedMid-wantProjected) > 1e-9 {
		t.Fatalf("projected mid wrong: got %v want %v", projection.ProjectedMid, wantProjected)
	}
	if projection.EndOfDay.Day() != 1 || projection.EndOfDay.Hour() != 23 {
		t.Fatalf("projection must target end of day, got %v", projection.EndOfDay)
	}
	if projection.Recommendation != RecommendBuy {
		t.Fatalf("rising rate with positive net gain should be BUY, got %s", projection.Recommendation)
	}
	if !projection.NetGain.IsPositive() {
		t.Fatalf("net gain should be positive, got %s", projection.NetGain)
	}
}

func TestProjectFallingTrendRecommendsSell(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	points := risingSeries(start, 6, 62.0, -0.1)

	projection, err := Project(points, Options{MinPoints: 5, TradingUnits: 1000, TransactionCost: 0.15}, start)
	if err != nil {
		t.Fatal(err)
	}
	if projection.ExpectedMovement >= 0 {
		t.Fatalf("movement should be negative, got %v", projection.ExpectedMovement)
	}
	if projection.Recommendation != RecommendSell {
		t.Fatalf("falling rate should be SELL, got %s", projection.Recommendation)
	}
}

func TestProjectFlatSeriesHolds(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	points := risingSeries(start, 6, 61.5, 0)

	projection, err := Project(points, Options{MinPoints: 5, TradingUnits: 1000, TransactionCost: 0.15}, start)
	if err != nil {
		t.Fatal(err)
	}
	if projection.Recommendation != RecommendHold {
		t.Fatalf("flat series should HOLD, got %s", projection.Recommendation)
	}
	if !projection.GrossGain.IsZero() {
		t.Fatalf("flat series has no gross gain, got %s", projection.GrossGain)
	}
}

func TestProjectUnsortedInput(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	points := risingSeries(start, 6, 61.0, 0.1)
	points[0], points[5] = points[5], points[0]

	projection, err := Project(points, Options{MinPoints: 5, TradingUnits: 1000, TransactionCost: 0.15}, start)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(projection.SlopePerHour-0.1) > 1e-9 {
		t.Fatalf("order must not matter, slope %v", projection.SlopePerHour)
	}
	if projection.CurrentMid != 61.5 {
		t.Fatalf("current mid must be the newest point, got %v", projection.CurrentMid)
	}
}

func TestProjectResidualEnvelope(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// Residuals chosen with zero x-covariance so the fit stays flat at 61.0.
	residuals := []float64{0.1, -0.1, 0, 0, -0.1, 0.1}
	points := make([]Point, 0, len(residuals))
	for i, r := range residuals {
		points = append(points, Point{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Mid:       61.0 + r,
		})
	}

	projection, err := Project(points, Options{MinPoints: 5, TradingUnits: 1000, TransactionCost: 0.15}, start)
	if err != nil {
		t.Fatal(err)
	}

	wantStd := math.Sqrt(0.04 / 6)
	if math.Abs(projection.StdError-wantStd) > 1e-9 {
		t.Fatalf("residual std wrong: got %v want %v", projection.StdError, wantStd)
	}
	band := wantStd * 1000
	net := projection.NetGain.InexactFloat64()
	if math.Abs(projection.BestCase.InexactFloat64()-(net+band)) > 1e-6 {
		t.Fatalf("best case should sit one band above net gain, got %s", projection.BestCase)
	}
	if math.Abs(projection.WorstCase.InexactFloat64()-(net-band)) > 1e-6 {
		t.Fatalf("worst case should sit one band below net gain, got %s", projection.WorstCase)
	}
	if math.Abs(projection.ConfidenceInterval.InexactFloat64()-2*band) > 1e-6 {
		t.Fatalf("confidence interval should span two bands, got %s", projection.ConfidenceInterval)
	}
}

func TestProjectDegenerateTimestamps(t *testing.T) {
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	points := []Point{
		{Timestamp: ts, Mid: 61.0},
		{Timestamp: ts, Mid: 61.2},
		{Timestamp: ts, Mid: 61.4},
		{Timestamp: ts, Mid: 61.6},
		{Timestamp: ts, Mid: 61.8},
	}

	projection, err := Project(points, Options{MinPoints: 5, TradingUnits: 1000, TransactionCost: 0.15}, ts)
	if err != nil {
		t.Fatal(err)
	}
	if projection.SlopePerHour != 0 {
		t.Fatalf("identical timestamps must fit a flat line, got slope %v", projection.SlopePerHour)
	}
	if math.Abs(projection.ProjectedMid-61.4) > 1e-9 {
		t.Fatalf("flat fit should project the mean, got %v", projection.ProjectedMid)
	}
}
