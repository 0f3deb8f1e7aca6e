package fetcher

import (
	"encoding/json"
	"fmt"
	"time"

	"cambiowatch/internal/config"
	"cambiowatch/internal/fieldpath"
	"cambiowatch/internal/market"
)

// Mid-only payloads synthesise buy/sell around the mid. The spread never
// collapses below minSyntheticSpread and the buy side never reaches zero.
const (
	minSyntheticSpread = 0.05
	minBuyRate         = 0.0001
)

// structuredConfidence marks quotes extracted from a documented API payload.
const structuredConfidence = 1.0

// timestampPaths are tried in order against the payload root; the first
// parseable value wins, otherwise the capture time stands.
var timestampPaths = []fieldpath.Path{
	fieldpath.MustParse("timestamp"),
	fieldpath.MustParse("fecha"),
	fieldpath.MustParse("date"),
	fieldpath.MustParse("updated_at"),
	fieldpath.MustParse("last_updated"),
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// parseStructured extracts one quote from a JSON payload using the provider's
// configured field paths. Buy/sell paths take precedence; a mid-only payload
// synthesises the sides from the configured spread adjustment.
func parseStructured(p config.ProviderConfig, body []byte, now time.Time) ([]market.Quote, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("provider %s: decode payload: %w", p.Name, err)
	}

	var buy, sell float64
	switch {
	case p.BuyPath != "" && p.SellPath != "":
		var err error
		if buy, err = extractFloat(payload, p.BuyPath, p.Name, "buy"); err != nil {
			return nil, err
		}
		if sell, err = extractFloat(payload, p.SellPath, p.Name, "sell"); err != nil {
			return nil, err
		}
	case p.MidPath != "":
		mid, err := extractFloat(payload, p.MidPath, p.Name, "mid")
		if err != nil {
			return nil, err
		}
		buy, sell = synthesizeSides(mid, p.SpreadAdjust)
	default:
		return nil, fmt.Errorf("provider %s: no buy/sell or mid path configured", p.Name)
	}

	if buy <= 0 || sell <= 0 {
		return nil, fmt.Errorf("provider %s: non-positive rate (buy=%.4f sell=%.4f)", p.Name, buy, sell)
	}
	if sell < buy {
		return nil, fmt.Errorf("provider %s: inverted quote (buy=%.4f sell=%.4f)", p.Name, buy, sell)
	}

	return []market.Quote{{
		Timestamp:  payloadTimestamp(payload, now),
		BuyRate:    buy,
		SellRate:   sell,
		Provider:   p.Name,
		Confidence: structuredConfidence,
	}}, nil
}

func extractFloat(payload any, expr, provider, field string) (float64, error) {
	path, err := fieldpath.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("provider %s: %s path: %w", provider, field, err)
	}
	value, ok := path.Float(payload)
	if !ok {
		return 0, fmt.Errorf("provider %s: %s path %q matched nothing", provider, field, expr)
	}
	return value, nil
}

func synthesizeSides(mid, spreadAdjust float64) (buy, sell float64) {
	spread := spreadAdjust
	if spread < minSyntheticSpread {
		spread = minSyntheticSpread
	}
	buy = mid - spread/2
	if buy < minBuyRate {
		buy = minBuyRate
	}
	sell = mid + spread/2
	return buy, sell
}

func payloadTimestamp(payload any, fallback time.Time) time.Time {
	for _, path := range timestampPaths {
		value, ok := path.Lookup(payload)
		if !ok {
			continue
		}
		text, isString := value.(string)
		if !isString {
			continue
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, text); err == nil {
				return ts.UTC()
			}
		}
	}
	return fallback
}
