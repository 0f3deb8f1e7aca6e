package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cambiowatch/internal/market"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	insertQuoteSQL = `INSERT INTO quotes (
        cycle_id, ts, provider, buy_rate, sell_rate, confidence
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	listRecentQuotesSQL = `SELECT
        id, ts, provider, buy_rate, sell_rate, confidence
    FROM quotes
    ORDER BY ts DESC, provider
    LIMIT $1;`

	insertFetchMetricSQL = `INSERT INTO fetch_metrics (
        cycle_id, ts, provider, latency_ms, status_code, success,
        attempts, retries, error, metadata
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`

	listFetchMetricsSQL = `SELECT
        id, ts, provider, latency_ms, status_code, success,
        attempts, retries, error, metadata
    FROM fetch_metrics
    WHERE provider = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	insertErrorSampleSQL = `INSERT INTO error_samples (
        ts, provider, delta_vs_weighted, delta_vs_consensus,
        provider_mid, weighted_mid, consensus_mid, weight, metadata
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	listErrorSamplesSQL = `SELECT
        id, ts, provider, delta_vs_weighted, delta_vs_consensus,
        provider_mid, weighted_mid, consensus_mid, weight, metadata
    FROM error_samples
    WHERE provider = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	upsertConsensusSQL = `INSERT INTO consensus_rates (
        ts, buy_rate, sell_rate, mid_rate,
        weighted_buy_rate, weighted_sell_rate, weighted_mid_rate,
        divergence_range, provider_count, metadata
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    ON CONFLICT (ts) DO UPDATE
    SET buy_rate           = EXCLUDED.buy_rate,
        sell_rate          = EXCLUDED.sell_rate,
        mid_rate           = EXCLUDED.mid_rate,
        weighted_buy_rate  = EXCLUDED.weighted_buy_rate,
        weighted_sell_rate = EXCLUDED.weighted_sell_rate,
        weighted_mid_rate  = EXCLUDED.weighted_mid_rate,
        divergence_range   = EXCLUDED.divergence_range,
        provider_count     = EXCLUDED.provider_count,
        metadata           = EXCLUDED.metadata
    RETURNING id;`

	listConsensusBetweenSQL = `SELECT
        id, ts, buy_rate, sell_rate, mid_rate,
        weighted_buy_rate, weighted_sell_rate, weighted_mid_rate,
        divergence_range, provider_count, metadata
    FROM consensus_rates
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts
    LIMIT $3;`

	listRecentConsensusSQL = `SELECT
        id, ts, buy_rate, sell_rate, mid_rate,
        weighted_buy_rate, weighted_sell_rate, weighted_mid_rate,
        divergence_range, provider_count, metadata
    FROM consensus_rates
    ORDER BY ts DESC
    LIMIT $1;`

	countConsensusSQL = `SELECT COUNT(*) FROM consensus_rates;`

	insertAnomalySQL = `INSERT INTO anomaly_events (
        ts, provider, metric, detector, score, severity, context
    ) VALUES ($1,$2,$3,$4,$5,$6,$7);`

	listRecentAnomaliesSQL = `SELECT
        id, ts, provider, metric, detector, score, severity, context
    FROM anomaly_events
    ORDER BY ts DESC
    LIMIT $1;`

	insertDriftSQL = `INSERT INTO drift_events (
        ts, direction, metric, value, ewma, threshold,
        cusum_pos, cusum_neg, severity, metadata
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`

	listRecentDriftSQL = `SELECT
        id, ts, direction, metric, value, ewma, threshold,
        cusum_pos, cusum_neg, severity, metadata
    FROM drift_events
    ORDER BY ts DESC
    LIMIT $1;`

	upsertReliabilitySQL = `INSERT INTO provider_reliability (
        provider, window_start, window_end, captures, attempts,
        expected_captures, coverage_ratio, success_ratio,
        mean_latency_ms, latency_p50_ms, latency_p95_ms,
        mean_error, std_error, failure_count, metadata
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
    ON CONFLICT (provider, window_start, window_end) DO UPDATE
    SET captures          = EXCLUDED.captures,
        attempts          = EXCLUDED.attempts,
        expected_captures = EXCLUDED.expected_captures,
        coverage_ratio    = EXCLUDED.coverage_ratio,
        success_ratio     = EXCLUDED.success_ratio,
        mean_latency_ms   = EXCLUDED.mean_latency_ms,
        latency_p50_ms    = EXCLUDED.latency_p50_ms,
        latency_p95_ms    = EXCLUDED.latency_p95_ms,
        mean_error        = EXCLUDED.mean_error,
        std_error         = EXCLUDED.std_error,
        failure_count     = EXCLUDED.failure_count,
        metadata          = EXCLUDED.metadata;`

	listRecentReliabilitySQL = `SELECT
        id, provider, window_start, window_end, captures, attempts,
        expected_captures, coverage_ratio, success_ratio,
        mean_latency_ms, latency_p50_ms, latency_p95_ms,
        mean_error, std_error, failure_count, metadata, created_at
    FROM provider_reliability
    ORDER BY window_end DESC, provider
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// QuoteStore persists per-cycle quotes and fetch metrics.
type QuoteStore interface {
	InsertQuotes(ctx context.Context, cycleID string, quotes []market.Quote) error
	InsertFetchMetrics(ctx context.Context, cycleID string, metrics []market.FetchMetric) error
	ListRecentQuotes(ctx context.Context, limit int) ([]market.Quote, error)
}

// ConsensusStore persists consensus history and its derived events.
type ConsensusStore interface {
	UpsertConsensus(ctx context.Context, record market.ConsensusRecord) (int64, error)
	ListConsensusBetween(ctx context.Context, from, to time.Time, limit int) ([]market.ConsensusRecord, error)
	ListRecentConsensus(ctx context.Context, limit int) ([]market.ConsensusRecord, error)
	CountConsensus(ctx context.Context) (int64, error)
	InsertErrorSamples(ctx context.Context, samples []market.ErrorSample) error
	InsertAnomalies(ctx context.Context, events []market.AnomalyEvent) error
	InsertDrift(ctx context.Context, event market.DriftEvent) error
	ListRecentAnomalies(ctx context.Context, limit int) ([]market.AnomalyEvent, error)
	ListRecentDrift(ctx context.Context, limit int) ([]market.DriftEvent, error)
}

// ReliabilityStore persists windowed reliability aggregates.
type ReliabilityStore interface {
	UpsertReliability(ctx context.Context, records []market.Reliability) error
	ListRecentReliability(ctx context.Context, limit int) ([]market.Reliability, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to all cambiowatch tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. The lock keeps concurrent instances from double-capturing.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Unlock is best effort; the connection release frees it regardless.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertQuotes appends a cycle's quotes in one batch.
func (s *Store) InsertQuotes(ctx context.Context, cycleID string, quotes []market.Quote) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(quotes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, q := range quotes {
		batch.Queue(insertQuoteSQL, cycleID, q.Timestamp, q.Provider, q.BuyRate, q.SellRate, q.Confidence)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert quotes: %w", err)
	}
	return nil
}

// ListRecentQuotes lists the newest quotes, newest first.
func (s *Store) ListRecentQuotes(ctx context.Context, limit int) ([]market.Quote, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentQuotesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent quotes: %w", queryErr)
	}
	defer rows.Close()

	quotes := make([]market.Quote, 0, limit)
	for rows.Next() {
		var (
			id int64
			q  market.Quote
		)
		if err := rows.Scan(&id, &q.Timestamp, &q.Provider, &q.BuyRate, &q.SellRate, &q.Confidence); err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

// InsertFetchMetrics appends a cycle's fetch metrics in one batch.
func (s *Store) InsertFetchMetrics(ctx context.Context, cycleID string, metrics []market.FetchMetric) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(metrics) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range metrics {
		metadata, err := encodeMetadata(m.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(insertFetchMetricSQL,
			cycleID, m.Timestamp, m.Provider, m.LatencyMS, m.StatusCode,
			m.Success, m.Attempts, m.Retries, m.Error, metadata)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert fetch metrics: %w", err)
	}
	return nil
}

// ListFetchMetrics lists one provider's metrics within [from, to).
func (s *Store) ListFetchMetrics(ctx context.Context, provider string, from, to time.Time) ([]market.FetchMetric, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listFetchMetricsSQL, provider, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list fetch metrics: %w", queryErr)
	}
	defer rows.Close()

	metrics := make([]market.FetchMetric, 0)
	for rows.Next() {
		var (
			m        market.FetchMetric
			metadata []byte
		)
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.Provider, &m.LatencyMS, &m.StatusCode,
			&m.Success, &m.Attempts, &m.Retries, &m.Error, &metadata); err != nil {
			return nil, err
		}
		if m.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// InsertErrorSamples appends per-provider deviation samples.
func (s *Store) InsertErrorSamples(ctx context.Context, samples []market.ErrorSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, sample := range samples {
		metadata, err := encodeMetadata(sample.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(insertErrorSampleSQL,
			sample.Timestamp, sample.Provider, sample.DeltaVsWeighted, sample.DeltaVsConsensus,
			sample.ProviderMid, sample.WeightedMid, sample.ConsensusMid, sample.Weight, metadata)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert error samples: %w", err)
	}
	return nil
}

// ListErrorSamples lists one provider's deviation samples within [from, to).
func (s *Store) ListErrorSamples(ctx context.Context, provider string, from, to time.Time) ([]market.ErrorSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listErrorSamplesSQL, provider, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list error samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]market.ErrorSample, 0)
	for rows.Next() {
		var (
			sample   market.ErrorSample
			metadata []byte
		)
		if err := rows.Scan(&sample.ID, &sample.Timestamp, &sample.Provider,
			&sample.DeltaVsWeighted, &sample.DeltaVsConsensus,
			&sample.ProviderMid, &sample.WeightedMid, &sample.ConsensusMid,
			&sample.Weight, &metadata); err != nil {
			return nil, err
		}
		if sample.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// UpsertConsensus persists a consensus record; resubmitting the same capture
// timestamp overwrites rather than duplicates.
func (s *Store) UpsertConsensus(ctx context.Context, record market.ConsensusRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	metadata, err := encodeMetadata(record.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := pool.QueryRow(ctx, upsertConsensusSQL,
		record.Timestamp, record.BuyRate, record.SellRate, record.MidRate,
		record.WeightedBuyRate, record.WeightedSellRate, record.WeightedMidRate,
		record.DivergenceRange, record.ProviderCount, metadata).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert consensus: %w", err)
	}
	return id, nil
}

// ListConsensusBetween lists consensus records within [from, to), oldest
// first. A non-positive limit means no limit.
func (s *Store) ListConsensusBetween(ctx context.Context, from, to time.Time, limit int) ([]market.ConsensusRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, queryErr := pool.Query(ctx, listConsensusBetweenSQL, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list consensus between: %w", queryErr)
	}
	defer rows.Close()

	return scanConsensusRows(rows)
}

// ListRecentConsensus lists the newest consensus records, newest first.
func (s *Store) ListRecentConsensus(ctx context.Context, limit int) ([]market.ConsensusRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentConsensusSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent consensus: %w", queryErr)
	}
	defer rows.Close()

	return scanConsensusRows(rows)
}

// CountConsensus counts stored consensus records.
func (s *Store) CountConsensus(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countConsensusSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count consensus: %w", err)
	}
	return count, nil
}

// InsertAnomalies appends anomaly events.
func (s *Store) InsertAnomalies(ctx context.Context, events []market.AnomalyEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, event := range events {
		contextJSON, err := encodeMetadata(event.Context)
		if err != nil {
			return err
		}
		batch.Queue(insertAnomalySQL,
			event.Timestamp, event.Provider, event.Metric, event.Detector,
			event.Score, string(event.Severity), contextJSON)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert anomalies: %w", err)
	}
	return nil
}

// ListRecentAnomalies lists the newest anomaly events, newest first.
func (s *Store) ListRecentAnomalies(ctx context.Context, limit int) ([]market.AnomalyEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAnomaliesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent anomalies: %w", queryErr)
	}
	defer rows.Close()

	events := make([]market.AnomalyEvent, 0, limit)
	for rows.Next() {
		var (
			event       market.AnomalyEvent
			severity    string
			contextJSON []byte
		)
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.Provider, &event.Metric,
			&event.Detector, &event.Score, &severity, &contextJSON); err != nil {
			return nil, err
		}
		event.Severity = market.AnomalySeverity(severity)
		if event.Context, err = decodeMetadata(contextJSON); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// InsertDrift appends a drift event.
func (s *Store) InsertDrift(ctx context.Context, event market.DriftEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	metadata, err := encodeMetadata(event.Metadata)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertDriftSQL,
		event.Timestamp, string(event.Direction), event.Metric, event.Value,
		event.EWMA, event.Threshold, event.CusumPos, event.CusumNeg,
		string(event.Severity), metadata); err != nil {
		return fmt.Errorf("insert drift: %w", err)
	}
	return nil
}

// ListRecentDrift lists the newest drift events, newest first.
func (s *Store) ListRecentDrift(ctx context.Context, limit int) ([]market.DriftEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDriftSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent drift: %w", queryErr)
	}
	defer rows.Close()

	events := make([]market.DriftEvent, 0, limit)
	for rows.Next() {
		var (
			event     market.DriftEvent
			direction string
			severity  string
			metadata  []byte
		)
		if err := rows.Scan(&event.ID, &event.Timestamp, &direction, &event.Metric,
			&event.Value, &event.EWMA, &event.Threshold, &event.CusumPos,
			&event.CusumNeg, &severity, &metadata); err != nil {
			return nil, err
		}
		event.Direction = market.DriftDirection(direction)
		event.Severity = market.DriftSeverity(severity)
		if event.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// UpsertReliability persists reliability aggregates; recomputing the same
// (provider, window) overwrites the previous record.
func (s *Store) UpsertReliability(ctx context.Context, records []market.Reliability) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, record := range records {
		metadata, err := encodeMetadata(record.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(upsertReliabilitySQL,
			record.Provider, record.WindowStart, record.WindowEnd,
			record.Captures, record.Attempts, record.ExpectedCaptures,
			record.CoverageRatio, record.SuccessRatio,
			record.MeanLatencyMS, record.LatencyP50MS, record.LatencyP95MS,
			record.MeanError, record.StdError, record.FailureCount, metadata)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert reliability: %w", err)
	}
	return nil
}

// ListRecentReliability lists the newest reliability windows, newest first.
func (s *Store) ListRecentReliability(ctx context.Context, limit int) ([]market.Reliability, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentReliabilitySQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent reliability: %w", queryErr)
	}
	defer rows.Close()

	records := make([]market.Reliability, 0, limit)
	for rows.Next() {
		var (
			record   market.Reliability
			metadata []byte
		)
		if err := rows.Scan(&record.ID, &record.Provider, &record.WindowStart, &record.WindowEnd,
			&record.Captures, &record.Attempts, &record.ExpectedCaptures,
			&record.CoverageRatio, &record.SuccessRatio,
			&record.MeanLatencyMS, &record.LatencyP50MS, &record.LatencyP95MS,
			&record.MeanError, &record.StdError, &record.FailureCount,
			&metadata, &record.CreatedAt); err != nil {
			return nil, err
		}
		if record.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanConsensusRows(rows pgx.Rows) ([]market.ConsensusRecord, error) {
	records := make([]market.ConsensusRecord, 0)
	for rows.Next() {
		var (
			record   market.ConsensusRecord
			metadata []byte
		)
		if err := rows.Scan(&record.ID, &record.Timestamp,
			&record.BuyRate, &record.SellRate, &record.MidRate,
			&record.WeightedBuyRate, &record.WeightedSellRate, &record.WeightedMidRate,
			&record.DivergenceRange, &record.ProviderCount, &metadata); err != nil {
			return nil, err
		}
		decoded, err := decodeMetadata(metadata)
		if err != nil {
			return nil, err
		}
		record.Metadata = decoded
		records = append(records, record)
	}
	return records, rows.Err()
}

func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return encoded, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}
