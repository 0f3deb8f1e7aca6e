// Package service orchestrates the capture cycle: fetch, weigh, reconcile,
// detect, persist, alert.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cambiowatch/internal/alerting"
	"cambiowatch/internal/anomaly"
	"cambiowatch/internal/config"
	"cambiowatch/internal/consensus"
	"cambiowatch/internal/drift"
	"cambiowatch/internal/fetcher"
	"cambiowatch/internal/market"
	"cambiowatch/internal/scheduler"
	"cambiowatch/internal/storage"
)

// QuoteFetcher supplies one cycle's quotes and metrics.
type QuoteFetcher interface {
	FetchAll(ctx context.Context) (fetcher.Outcome, error)
}

// WeightSource computes provider trust weights as of a reference instant.
type WeightSource interface {
	Compute(ctx context.Context, providers []string, reference time.Time) (map[string]float64, error)
}

// AggregateSource computes windowed reliability records for persistence.
type AggregateSource interface {
	Compute(ctx context.Context, providers []string, window time.Duration, reference time.Time) ([]market.Reliability, error)
}

// Store is the persistence surface the cycle needs. *storage.Store satisfies it.
type Store interface {
	storage.QuoteStore
	storage.ConsensusStore
	storage.ReliabilityStore
}

// Service runs the scheduled capture loop.
type Service struct {
	scheduler  *scheduler.Scheduler
	fetcher    QuoteFetcher
	builder    *consensus.Builder
	detector   *anomaly.Detector
	drift      *drift.Monitor
	weights    WeightSource
	aggregates AggregateSource
	store      Store
	notifier   alerting.Notifier
	logger     zerolog.Logger

	providerNames []string
	channels      []string
	alertsOn      bool
	tolerance     float64
	weightsWindow time.Duration
	driftWindow   time.Duration
	locker        storage.AdvisoryLocker
	lockKey       int64
}

// New constructs the capture service.
func New(cfg *config.Config, sched *scheduler.Scheduler, quoteFetcher QuoteFetcher,
	builder *consensus.Builder, detector *anomaly.Detector, driftMonitor *drift.Monitor,
	weights WeightSource, aggregates AggregateSource, store Store,
	notifier alerting.Notifier, logger zerolog.Logger) *Service {

	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.EnabledProviders() {
		names = append(names, p.Name)
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:     sched,
		fetcher:       quoteFetcher,
		builder:       builder,
		detector:      detector,
		drift:         driftMonitor,
		weights:       weights,
		aggregates:    aggregates,
		store:         store,
		notifier:      notifier,
		logger:        logger.With().Str("component", "service").Logger(),
		providerNames: names,
		channels:      cfg.Alerting.Channels,
		alertsOn:      cfg.Alerting.Enabled,
		tolerance:     cfg.Consensus.ValidationTolerance,
		weightsWindow: cfg.Weights.Window,
		driftWindow:   cfg.Drift.Window,
		locker:        locker,
		lockKey:       cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run primes the drift monitor from history and begins the aligned loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.PrimeDrift(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("drift priming failed; starting cold")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// PrimeDrift replays the stored consensus series inside the drift window so a
// restart resumes with warm EWMA/CUSUM accumulators instead of re-seeding.
func (s *Service) PrimeDrift(ctx context.Context) error {
	if s.drift == nil || s.store == nil || s.driftWindow <= 0 {
		return nil
	}
	now := time.Now().UTC()
	records, err := s.store.ListConsensusBetween(ctx, now.Add(-s.driftWindow), now, 100000)
	if err != nil {
		return fmt.Errorf("load drift history: %w", err)
	}
	points := make([]drift.Point, 0, len(records))
	for _, record := range records {
		points = append(points, drift.Point{Timestamp: record.Timestamp, Value: driftInput(record.WeightedMidRate, record.MidRate)})
	}
	s.drift.Prime(points)
	s.logger.Info().Int("points", len(points)).Msg("drift monitor primed from history")
	return nil
}

// ProcessBucket executes one capture cycle under the advisory lock.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, bucket)
}

func (s *Service) executeCycle(ctx context.Context, bucket time.Time) error {
	cycleID := uuid.NewString()
	logger := s.logger.With().Str("cycle_id", cycleID).Time("bucket", bucket).Logger()

	out, fetchErr := s.fetcher.FetchAll(ctx)

	// Metrics persist no matter how the cycle went; reliability scoring needs
	// the failures most of all.
	if s.store != nil {
		if err := s.store.InsertFetchMetrics(ctx, cycleID, out.Metrics); err != nil {
			logger.Error().Err(err).Msg("failed to persist fetch metrics")
		}
	}
	for _, failure := range out.Failures {
		logger.Warn().Str("provider", failure.Provider).Err(failure.Err).Msg("provider failed this cycle")
	}

	if fetchErr != nil {
		if errors.Is(fetchErr, fetcher.ErrAllProvidersFailed) {
			return fmt.Errorf("cycle %s: %w", cycleID, fetchErr)
		}
		return fmt.Errorf("cycle %s: fetch: %w", cycleID, fetchErr)
	}

	if s.store != nil {
		if err := s.store.InsertQuotes(ctx, cycleID, out.Quotes); err != nil {
			logger.Error().Err(err).Msg("failed to persist quotes")
		}
	}

	var weights map[string]float64
	if s.weights != nil {
		var err error
		weights, err = s.weights.Compute(ctx, quoteProviders(out.Quotes), bucket)
		if err != nil {
			// Equal weighting inside the builder covers for a scoring outage.
			logger.Warn().Err(err).Msg("weight computation failed; falling back to equal weights")
			weights = nil
		}
	}

	snapshot, err := s.builder.Build(out.Quotes, weights)
	if err != nil {
		return fmt.Errorf("cycle %s: consensus: %w", cycleID, err)
	}

	s.logValidations(logger, snapshot)

	snapshot.Anomalies = s.detector.Detect(snapshot)

	signal := s.drift.Update(snapshot.Timestamp, driftInput(snapshot.WeightedMidRate, snapshot.MidRate))
	snapshot.Drift = signal.Event("weighted_mid_rate", map[string]any{"cycle_id": cycleID})

	s.persistCycle(ctx, logger, cycleID, snapshot)
	s.updateReliability(ctx, logger, bucket)
	s.dispatchAlerts(ctx, logger, snapshot)

	logger.Info().
		Float64("mid", snapshot.MidRate).
		Float64("weighted_mid", snapshot.WeightedMidRate).
		Int("providers", len(snapshot.ProviderWeights)).
		Int("anomalies", len(snapshot.Anomalies)).
		Bool("drift", snapshot.Drift != nil).
		Msg("cycle complete")
	return nil
}

func (s *Service) logValidations(logger zerolog.Logger, snapshot market.ConsensusSnapshot) {
	if s.tolerance <= 0 {
		return
	}
	for _, v := range snapshot.Validations {
		if v.DifferenceVsWeighted > s.tolerance && !v.Flagged {
			logger.Warn().
				Str("provider", v.Provider).
				Float64("difference", v.DifferenceVsWeighted).
				Float64("tolerance", s.tolerance).
				Msg("provider outside validation tolerance")
		}
	}
}

func (s *Service) persistCycle(ctx context.Context, logger zerolog.Logger, cycleID string, snapshot market.ConsensusSnapshot) {
	if s.store == nil {
		return
	}
	record := consensusRecord(cycleID, snapshot)
	if _, err := s.store.UpsertConsensus(ctx, record); err != nil {
		logger.Error().Err(err).Msg("failed to persist consensus")
	}

	samples := errorSamples(snapshot)
	if err := s.store.InsertErrorSamples(ctx, samples); err != nil {
		logger.Error().Err(err).Msg("failed to persist error samples")
	}

	if len(snapshot.Anomalies) > 0 {
		if err := s.store.InsertAnomalies(ctx, snapshot.Anomalies); err != nil {
			logger.Error().Err(err).Msg("failed to persist anomalies")
		}
	}
	if snapshot.Drift != nil {
		if err := s.store.InsertDrift(ctx, *snapshot.Drift); err != nil {
			logger.Error().Err(err).Msg("failed to persist drift event")
		}
	}
}

func (s *Service) updateReliability(ctx context.Context, logger zerolog.Logger, bucket time.Time) {
	if s.aggregates == nil || s.store == nil || len(s.providerNames) == 0 {
		return
	}
	records, err := s.aggregates.Compute(ctx, s.providerNames, s.weightsWindow, bucket)
	if err != nil {
		logger.Error().Err(err).Msg("reliability aggregation failed")
		return
	}
	if err := s.store.UpsertReliability(ctx, records); err != nil {
		logger.Error().Err(err).Msg("failed to persist reliability records")
	}
}

func (s *Service) dispatchAlerts(ctx context.Context, logger zerolog.Logger, snapshot market.ConsensusSnapshot) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	for _, event := range snapshot.Anomalies {
		if err := s.notifier.Notify(ctx, alerting.ForAnomaly(event, s.channels)); err != nil {
			logger.Error().Err(err).Str("provider", event.Provider).Msg("failed to dispatch anomaly alert")
		}
	}
	if snapshot.Drift != nil {
		if err := s.notifier.Notify(ctx, alerting.ForDrift(*snapshot.Drift, s.channels)); err != nil {
			logger.Error().Err(err).Msg("failed to dispatch drift alert")
		}
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// driftInput prefers the weighted mid; the plain mid only stands in when no
// weighted consensus exists (degenerate weights, single provider cold start).
func driftInput(weightedMid, mid float64) float64 {
	if weightedMid > 0 {
		return weightedMid
	}
	return mid
}

func quoteProviders(quotes []market.Quote) []string {
	names := make([]string, 0, len(quotes))
	for _, q := range quotes {
		names = append(names, q.Provider)
	}
	return names
}

func consensusRecord(cycleID string, snapshot market.ConsensusSnapshot) market.ConsensusRecord {
	weights := make(map[string]any, len(snapshot.ProviderWeights))
	for provider, w := range snapshot.ProviderWeights {
		weights[provider] = w
	}
	return market.ConsensusRecord{
		Timestamp:        snapshot.Timestamp,
		BuyRate:          snapshot.BuyRate,
		SellRate:         snapshot.SellRate,
		MidRate:          snapshot.MidRate,
		WeightedBuyRate:  snapshot.WeightedBuyRate,
		WeightedSellRate: snapshot.WeightedSellRate,
		WeightedMidRate:  snapshot.WeightedMidRate,
		DivergenceRange:  snapshot.DivergenceRange,
		ProviderCount:    len(snapshot.ProviderWeights),
		Metadata: map[string]any{
			"cycle_id":      cycleID,
			"weights":       weights,
			"providers":     snapshot.ProvidersConsidered,
			"anomaly_count": len(snapshot.Anomalies),
		},
	}
}

func errorSamples(snapshot market.ConsensusSnapshot) []market.ErrorSample {
	samples := make([]market.ErrorSample, 0, len(snapshot.Validations))
	for _, v := range snapshot.Validations {
		v := v
		mid := (v.BuyRate + v.SellRate) / 2
		samples = append(samples, market.ErrorSample{
			Timestamp:        snapshot.Timestamp,
			Provider:         v.Provider,
			DeltaVsWeighted:  &v.DeltaVsWeighted,
			DeltaVsConsensus: &v.DeltaVsConsensus,
			ProviderMid:      mid,
			WeightedMid:      snapshot.WeightedMidRate,
			ConsensusMid:     snapshot.MidRate,
			Weight:           &v.Weight,
		})
	}
	return samples
}
