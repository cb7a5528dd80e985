package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notifier sends firings to Discord-compatible webhooks
type Notifier struct {
	httpClient  *http.Client
	webhookURLs []string
	enabled     bool
	logger      zerolog.Logger
}

// NewNotifier creates a new webhook notifier
func NewNotifier(webhookURLs []string, timeout time.Duration, logger zerolog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		webhookURLs: webhookURLs,
		enabled:     len(webhookURLs) > 0,
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
}

// Enabled reports whether any webhook is configured
func (n *Notifier) Enabled() bool {
	return n.enabled
}

// Send posts a firing to every configured webhook.
// Every URL is attempted; the returned error joins the individual failures.
func (n *Notifier) Send(ctx context.Context, f Firing) error {
	if !n.enabled {
		return nil
	}

	var errs []error
	for _, webhookURL := range n.webhookURLs {
		if err := n.sendWebhook(ctx, webhookURL, f); err != nil {
			n.logger.Error().
				Err(err).
				Str("webhook", webhookURL).
				Str("symbol", f.Symbol).
				Str("rule", f.RuleID).
				Msg("Failed to send webhook")
			errs = append(errs, err)
			continue
		}

		n.logger.Debug().
			Str("webhook", webhookURL).
			Str("symbol", f.Symbol).
			Str("rule", f.RuleID).
			Msg("Webhook sent successfully")
	}

	return errors.Join(errs...)
}

func (n *Notifier) sendWebhook(ctx context.Context, webhookURL string, f Firing) error {
	payloadBytes, err := json.Marshal(formatPayload(f))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}

	return nil
}

// formatPayload builds a Discord embed (also accepted by most Telegram bridges)
func formatPayload(f Firing) map[string]interface{} {
	fields := []map[string]interface{}{
		{
			"name":   "Price",
			"value":  decimal.NewFromFloat(f.Price).String(),
			"inline": true,
		},
		{
			"name":   "Observed",
			"value":  decimal.NewFromFloat(f.Observed).StringFixed(2),
			"inline": true,
		},
		{
			"name":   "Time",
			"value":  f.Timestamp.UTC().Format("15:04:05 UTC"),
			"inline": true,
		},
	}

	if f.Threshold != nil {
		fields = append(fields, map[string]interface{}{
			"name":   "Threshold",
			"value":  decimal.NewFromFloat(*f.Threshold).String(),
			"inline": true,
		})
	}

	return map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       fmt.Sprintf("%s %s", alertEmoji(f.Kind), f.Symbol),
				"description": f.Description(),
				"color":       alertColor(f.Comparator),
				"fields":      fields,
				"timestamp":   f.Timestamp.UTC().Format(time.RFC3339),
				"footer": map[string]interface{}{
					"text": "Dealer Engine Alert",
				},
			},
		},
	}
}

func alertColor(cmp Comparator) int {
	switch cmp {
	case GreaterThan, FlipBullish:
		return 0x00FF00 // Green for bullish
	case LessThan, FlipBearish:
		return 0xFF0000 // Red for bearish
	default:
		return 0x0099FF
	}
}

func alertEmoji(kind Kind) string {
	switch kind {
	case KindPrice:
		return "💲 Price"
	case KindRSI:
		return "📊 RSI"
	case KindTrendFlip:
		return "🔀 Trend Flip"
	default:
		return "🔔"
	}
}
