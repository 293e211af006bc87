package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"winrate-watch/internal/deal"
	"winrate-watch/internal/rules"
)

// Notification wraps one fired alert with its run context.
type Notification struct {
	RunID     string      `json:"run_id"`
	Period    deal.Period `json:"period"`
	Alert     rules.Alert `json:"alert"`
	Simulated bool        `json:"simulated,omitempty"`
	Note      string      `json:"note,omitempty"`
}

// Notifier delivers notifications to one channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Channel is implemented by notifiers that report their channel name.
type Channel interface {
	Channel() string
}

// ChannelName returns the channel label of n.
func ChannelName(n Notifier) string {
	if c, ok := n.(Channel); ok {
		return c.Channel()
	}
	return fmt.Sprintf("%T", n)
}

// DeliveryError records which channel failed.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Fanout sends every notification to all notifiers; one failing channel does
// not stop the others.
type Fanout []Notifier

// Notify implements Notifier. The error joins one DeliveryError per failed channel.
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, &DeliveryError{Channel: ChannelName(n), Err: err})
		}
	}
	return errors.Join(errs...)
}

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs the Telegram notifier.
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

// Channel implements Channel.
func (n *TelegramNotifier) Channel() string { return "telegram" }

// Notify calls sendMessage with the rendered alert.
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
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("rule", note.Alert.RuleID).
		Str("subject", note.Alert.Subject()).
		Str("severity", string(note.Alert.Severity)).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	a := note.Alert
	builder := strings.Builder{}
	if note.Simulated {
		builder.WriteString("[Win-rate Alert · simulated]\n")
	} else {
		builder.WriteString("[Win-rate Alert]\n")
	}
	builder.WriteString(fmt.Sprintf("Rule: %s (%s)\n", a.RuleID, strings.ToUpper(string(a.Severity))))
	switch {
	case a.Feature != "":
		builder.WriteString(fmt.Sprintf("Driver: %s\n", a.Feature))
	default:
		builder.WriteString(fmt.Sprintf("Segment: %s\n", a.SegmentKey.Label()))
	}
	if note.Period != "" {
		builder.WriteString(fmt.Sprintf("Period: %s\n", note.Period))
	}
	builder.WriteString(fmt.Sprintf("%s: %.4f (baseline %.4f)\n", a.MetricName, a.ObservedValue, a.BaselineValue))
	builder.WriteString(fmt.Sprintf("Fired: %s UTC\n", a.FiredAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Quiet until: %s UTC\n", a.CooldownExpiresAt.UTC().Format(time.RFC3339)))
	if note.RunID != "" {
		builder.WriteString(fmt.Sprintf("Run: %s\n", note.RunID))
	}
	if note.Note != "" {
		builder.WriteString(note.Note)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Fanout(nil)
)
