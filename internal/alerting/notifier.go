// Package alerting pushes anomaly and drift events to operators. Telegram is
// the only wired channel; the Notifier interface keeps the service decoupled
// from the transport.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cambiowatch/internal/market"
)

// Kind discriminates notification payloads.
type Kind string

const (
	KindAnomaly Kind = "anomaly"
	KindDrift   Kind = "drift"
)

// Notification carries one alert-worthy event.
type Notification struct {
	Kind      Kind
	Timestamp time.Time
	Channels  []string
	Anomaly   *market.AnomalyEvent
	Drift     *market.DriftEvent
}

// ForAnomaly wraps an anomaly event for dispatch.
func ForAnomaly(event market.AnomalyEvent, channels []string) Notification {
	return Notification{Kind: KindAnomaly, Timestamp: event.Timestamp, Channels: channels, Anomaly: &event}
}

// ForDrift wraps a drift event for dispatch.
func ForDrift(event market.DriftEvent, channels []string) Notification {
	return Notification{Kind: KindDrift, Timestamp: event.Timestamp, Channels: channels, Drift: &event}
}

// Notifier delivers notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the rendered event text via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Time("timestamp", note.Timestamp).
		Msg("alert dispatched")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch {
	case note.Kind == KindAnomaly && note.Anomaly != nil:
		event := note.Anomaly
		builder.WriteString("[USD/DOP Anomaly]\n")
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", event.Timestamp.UTC().Format(time.RFC3339)))
		builder.WriteString(fmt.Sprintf("Provider: %s\n", event.Provider))
		builder.WriteString(fmt.Sprintf("Severity: %s\n", event.Severity))
		builder.WriteString(fmt.Sprintf("Robust z-score: %.2f (%s on %s)\n", event.Score, event.Detector, event.Metric))
		if delta, ok := event.Context["delta"].(float64); ok {
			builder.WriteString(fmt.Sprintf("Delta vs consensus: %+.4f DOP\n", delta))
		}
	case note.Kind == KindDrift && note.Drift != nil:
		event := note.Drift
		builder.WriteString("[USD/DOP Drift]\n")
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", event.Timestamp.UTC().Format(time.RFC3339)))
		builder.WriteString(fmt.Sprintf("Direction: %s (%s)\n", event.Direction, event.Severity))
		builder.WriteString(fmt.Sprintf("Rate: %.4f (EWMA %.4f)\n", event.Value, event.EWMA))
		builder.WriteString(fmt.Sprintf("CUSUM +%.3f / -%.3f over threshold %.3f\n", event.CusumPos, event.CusumNeg, event.Threshold))
	default:
		builder.WriteString("[USD/DOP Alert]\n")
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
