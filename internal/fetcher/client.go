// Package fetcher pulls USD/DOP quotes from configured providers, either as
// structured JSON payloads or scraped HTML rate tables. Each cycle yields one
// fetch metric per provider regardless of outcome, so reliability aggregation
// sees failures as clearly as successes.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cambiowatch/internal/config"
	"cambiowatch/internal/market"
)

// ErrAllProvidersFailed indicates a cycle produced no quotes at all.
var ErrAllProvidersFailed = errors.New("fetcher: all providers failed")

const maxBodyBytes = 4 << 20

// ProviderFailure pairs a provider name with its terminal fetch error.
type ProviderFailure struct {
	Provider string
	Err      error
}

// Outcome is the result of one ingestion cycle: every quote obtained, one
// metric per configured provider, and the failures that produced no quotes.
type Outcome struct {
	Quotes   []market.Quote
	Metrics  []market.FetchMetric
	Failures []ProviderFailure
}

// Client fetches all configured providers concurrently.
type Client struct {
	httpClient *http.Client
	providers  []config.ProviderConfig
	auth       *authManager
	limiter    *rate.Limiter
	logger     zerolog.Logger
	now        func() time.Time
}

// NewClient constructs a Client. A nil httpClient falls back to a default
// client; per-provider timeouts are applied through request contexts.
func NewClient(providers []config.ProviderConfig, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		providers:  providers,
		auth:       newAuthManager(),
		// Politeness cap across all providers; scraped sites are small shops.
		limiter: rate.NewLimiter(rate.Limit(4), 4),
		logger:  logger.With().Str("component", "fetcher").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FetchAll fetches every provider concurrently. Individual provider failures
// are reported in the outcome, not as an error; only a cycle with zero quotes
// returns ErrAllProvidersFailed (alongside the metrics for persistence).
func (c *Client) FetchAll(ctx context.Context) (Outcome, error) {
	var (
		mu  sync.Mutex
		out Outcome
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, provider := range c.providers {
		provider := provider
		g.Go(func() error {
			quotes, metric, err := c.fetchProvider(gctx, provider)
			mu.Lock()
			defer mu.Unlock()
			out.Metrics = append(out.Metrics, metric)
			if err != nil {
				out.Failures = append(out.Failures, ProviderFailure{Provider: provider.Name, Err: err})
				return nil
			}
			out.Quotes = append(out.Quotes, quotes...)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out.Metrics, func(i, j int) bool { return out.Metrics[i].Provider < out.Metrics[j].Provider })
	sort.Slice(out.Quotes, func(i, j int) bool {
		if out.Quotes[i].Provider != out.Quotes[j].Provider {
			return out.Quotes[i].Provider < out.Quotes[j].Provider
		}
		return out.Quotes[i].BuyRate < out.Quotes[j].BuyRate
	})
	sort.Slice(out.Failures, func(i, j int) bool { return out.Failures[i].Provider < out.Failures[j].Provider })

	if len(out.Quotes) == 0 {
		return out, ErrAllProvidersFailed
	}
	return out, nil
}

// fetchProvider runs one provider with retries and always returns a metric.
func (c *Client) fetchProvider(ctx context.Context, p config.ProviderConfig) ([]market.Quote, market.FetchMetric, error) {
	started := c.now()
	metric := market.FetchMetric{
		Timestamp: started,
		Provider:  p.Name,
		Metadata:  map[string]any{"format": p.Format},
	}

	var (
		quotes     []market.Quote
		lastStatus int
		attempts   int
	)

	operation := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		body, status, err := c.doRequest(ctx, p)
		if status > 0 {
			lastStatus = status
		}
		if err != nil {
			if !retryable(p, status, err) {
				return backoff.Permanent(err)
			}
			return err
		}

		parsed, err := parseQuotes(p, body, c.now())
		if err != nil {
			// A malformed payload will not heal on retry.
			return backoff.Permanent(err)
		}
		quotes = parsed
		return nil
	}

	err := backoff.Retry(operation, retryPolicy(ctx, p))

	latency := float64(c.now().Sub(started).Milliseconds())
	metric.LatencyMS = &latency
	metric.Attempts = attempts
	metric.Retries = attempts - 1
	if lastStatus > 0 {
		metric.StatusCode = &lastStatus
	}

	if err != nil {
		message := err.Error()
		metric.Error = &message
		c.logger.Warn().Err(err).Str("provider", p.Name).Int("attempts", attempts).Msg("provider fetch failed")
		return nil, metric, err
	}

	metric.Success = true
	metric.Metadata["quote_count"] = len(quotes)
	c.logger.Debug().Str("provider", p.Name).Int("quotes", len(quotes)).Float64("latency_ms", latency).Msg("provider fetched")
	return quotes, metric, nil
}

// doRequest performs a single HTTP attempt, returning the body and status.
func (c *Client) doRequest(ctx context.Context, p config.ProviderConfig) ([]byte, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, p.Method, p.Endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request for %s: %w", p.Name, err)
	}
	req.Header.Set("Accept", "application/json, text/html")
	req.Header.Set("User-Agent", "cambiowatch/1.0")
	if err := c.auth.apply(req, p); err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", p.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s response: %w", p.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &statusError{Provider: p.Name, StatusCode: resp.StatusCode}
	}
	return body, resp.StatusCode, nil
}

// retryPolicy is exponential doubling from the configured base, capped at
// base*2^10, with no jitter so retry timing stays predictable in tests.
func retryPolicy(ctx context.Context, p config.ProviderConfig) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Backoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.Backoff * (1 << 10)
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxRetries)), ctx)
}

// retryable reports whether an attempt error is worth another try: listed
// status codes always are; network errors only when the provider opts in.
func retryable(p config.ProviderConfig, status int, err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		for _, code := range p.RetryStatusCodes {
			if se.StatusCode == code {
				return true
			}
		}
		return false
	}
	if status == 0 {
		return p.RetryOnTimeout
	}
	return false
}

type statusError struct {
	Provider   string
	StatusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Provider, e.StatusCode)
}

// parseQuotes dispatches on the provider format.
func parseQuotes(p config.ProviderConfig, body []byte, now time.Time) ([]market.Quote, error) {
	switch p.Format {
	case "html":
		return parseRateTable(p, body, now)
	default:
		return parseStructured(p, body, now)
	}
}
