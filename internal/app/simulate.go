package app

import (
	"context"
	"errors"
	"time"

	"cambiowatch/internal/fetcher"
	"cambiowatch/internal/market"
	"cambiowatch/internal/service"
)

// Simulate runs one capture cycle over caller-supplied quotes, exercising the
// consensus, anomaly, and alerting path without touching any provider or the
// database.
func (a *App) Simulate(ctx context.Context, quotes []market.Quote) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	now := time.Now().UTC()
	metrics := make([]market.FetchMetric, 0, len(quotes))
	for i := range quotes {
		if quotes[i].Timestamp.IsZero() {
			quotes[i].Timestamp = now
		}
		if quotes[i].Confidence == 0 {
			quotes[i].Confidence = 1.0
		}
		metrics = append(metrics, market.FetchMetric{
			Timestamp: now,
			Provider:  quotes[i].Provider,
			Success:   true,
			Attempts:  1,
		})
	}

	static := &staticQuoteFetcher{outcome: fetcher.Outcome{Quotes: quotes, Metrics: metrics}}
	svc := a.buildService(nil, nil, static, notifier)

	bucket := now.Truncate(a.Config.Scheduler.Interval)
	return svc.ProcessBucket(ctx, bucket)
}

type staticQuoteFetcher struct {
	outcome fetcher.Outcome
}

func (s *staticQuoteFetcher) FetchAll(ctx context.Context) (fetcher.Outcome, error) {
	if len(s.outcome.Quotes) == 0 {
		return s.outcome, fetcher.ErrAllProvidersFailed
	}
	return s.outcome, nil
}

var _ service.QuoteFetcher = (*staticQuoteFetcher)(nil)
