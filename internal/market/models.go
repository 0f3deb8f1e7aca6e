package market

import (
	"time"
)

// Quote is a single buy/sell reading reported by one provider.
// Immutable once captured; a provider normally yields one quote per cycle,
// but scraped rate tables can yield several (one per listed bank).
type Quote struct {
	Timestamp  time.Time
	BuyRate    float64
	SellRate   float64
	Provider   string
	Confidence float64
}

// MidRate is the midpoint between buy and sell.
func (q Quote) MidRate() float64 {
	return (q.BuyRate + q.SellRate) / 2
}

// Spread is the sell/buy gap.
func (q Quote) Spread() float64 {
	return q.SellRate - q.BuyRate
}

// FetchMetric records the operational outcome of one provider fetch attempt.
// Exactly one is produced per provider per ingestion cycle, success or not.
type FetchMetric struct {
	ID         int64
	Timestamp  time.Time
	Provider   string
	LatencyMS  *float64
	StatusCode *int
	Success    bool
	Attempts   int
	Retries    int
	Error      *string
	Metadata   map[string]any
}

// ErrorSample is the signed deviation of a provider's mid rate from the
// consensus at one capture instant. Feeds reliability error statistics.
type ErrorSample struct {
	ID               int64
	Timestamp        time.Time
	Provider         string
	DeltaVsWeighted  *float64
	DeltaVsConsensus *float64
	ProviderMid      float64
	WeightedMid      float64
	ConsensusMid     float64
	Weight           *float64
	Metadata         map[string]any
}

// ProviderValidation compares one provider's quote against both consensus rates.
type ProviderValidation struct {
	Provider              string
	BuyRate               float64
	SellRate              float64
	DeltaVsConsensus      float64
	DeltaVsWeighted       float64
	DifferenceVsConsensus float64
	DifferenceVsWeighted  float64
	Weight                float64
	Flagged               bool
}

// ConsensusSnapshot is the reconciled view of one ingestion cycle.
type ConsensusSnapshot struct {
	Timestamp           time.Time
	BuyRate             float64
	SellRate            float64
	MidRate             float64
	WeightedBuyRate     float64
	WeightedSellRate    float64
	WeightedMidRate     float64
	ProvidersConsidered []string
	Validations         []ProviderValidation
	DivergenceRange     float64
	ProviderWeights     map[string]float64
	Anomalies           []AnomalyEvent
	Drift               *DriftEvent
}

// AnomalySeverity classifies anomaly events.
type AnomalySeverity string

const (
	SeverityInfo     AnomalySeverity = "INFO"
	SeverityWarn     AnomalySeverity = "WARN"
	SeverityCritical AnomalySeverity = "CRITICAL"
)

// AnomalyEvent is emitted when a provider's deviation is statistically extreme.
type AnomalyEvent struct {
	ID        int64
	Timestamp time.Time
	Provider  string
	Metric    string
	Detector  string
	Score     float64
	Severity  AnomalySeverity
	Context   map[string]any
}

// DriftDirection is the sign of a detected regime shift.
type DriftDirection string

const (
	DriftUp   DriftDirection = "UP"
	DriftDown DriftDirection = "DOWN"
)

// DriftSeverity classifies drift events by CUSUM intensity.
type DriftSeverity string

const (
	DriftLow    DriftSeverity = "LOW"
	DriftMedium DriftSeverity = "MEDIUM"
	DriftHigh   DriftSeverity = "HIGH"
)

// DriftEvent describes a sustained directional shift in the consensus mid rate.
type DriftEvent struct {
	ID        int64
	Timestamp time.Time
	Direction DriftDirection
	Metric    string
	Value     float64
	EWMA      float64
	Threshold float64
	CusumPos  float64
	CusumNeg  float64
	Severity  DriftSeverity
	Metadata  map[string]any
}

// Reliability aggregates a provider's operational record over one window.
// Upserted per (provider, window start, window end); recomputation is idempotent.
type Reliability struct {
	ID               int64
	Provider         string
	WindowStart      time.Time
	WindowEnd        time.Time
	Captures         int
	Attempts         int
	ExpectedCaptures int
	CoverageRatio    float64
	SuccessRatio     float64
	MeanLatencyMS    *float64
	LatencyP50MS     *float64
	LatencyP95MS     *float64
	MeanError        *float64
	StdError         *float64
	FailureCount     int
	Metadata         map[string]any
	CreatedAt        time.Time
}

// ConsensusRecord is the persisted form of a consensus snapshot.
type ConsensusRecord struct {
	ID               int64
	Timestamp        time.Time
	BuyRate          float64
	SellRate         float64
	MidRate          float64
	WeightedBuyRate  float64
	WeightedSellRate float64
	WeightedMidRate  float64
	DivergenceRange  float64
	ProviderCount    int
	Metadata         map[string]any
}
