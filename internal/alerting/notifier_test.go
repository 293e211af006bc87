package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"winrate-watch/internal/deal"
	"winrate-watch/internal/rules"
)

func sampleNote() Notification {
	fired := time.Date(2024, time.April, 2, 8, 0, 0, 0, time.UTC)
	return Notification{
		RunID:  "run-1",
		Period: "2024-Q1",
		Alert: rules.Alert{
			RuleID:            "impact_high",
			SegmentKey:        deal.SegmentKey{{Dimension: deal.Region, Value: "APAC"}, {Dimension: deal.ProductType, Value: "Enterprise"}},
			MetricName:        "segment_impact_score",
			ObservedValue:     0.06,
			BaselineValue:     0.05,
			Severity:          rules.SeverityCritical,
			FiredAt:           fired,
			CooldownExpiresAt: fired.Add(24 * time.Hour),
		},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/bottoken/sendMessage")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, notifier.Notify(context.Background(), sampleNote()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "Rule: impact_high (CRITICAL)")
	assert.Contains(t, received["text"], "Segment: APAC/Enterprise")
	assert.Contains(t, received["text"], "segment_impact_score: 0.0600 (baseline 0.0500)")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	assert.Error(t, notifier.Notify(context.Background(), sampleNote()))
}

func TestRenderDriverAlert(t *testing.T) {
	note := sampleNote()
	note.Alert.SegmentKey = nil
	note.Alert.Feature = "lead_source=Outbound"
	note.Simulated = true

	text := renderMessage(note)
	assert.True(t, strings.HasPrefix(text, "[Win-rate Alert · simulated]"))
	assert.Contains(t, text, "Driver: lead_source=Outbound")
	assert.NotContains(t, text, "Segment:")
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaNotifierPublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	notifier := NewKafkaNotifier(w, "winrate.alerts", zerolog.Nop())

	require.NoError(t, notifier.Notify(context.Background(), sampleNote()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "impact_high|region=APAC|product_type=Enterprise", string(msg.Key))

	var decoded Notification
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, "APAC/Enterprise", decoded.Alert.SegmentKey.Label())
	assert.Equal(t, "severity", msg.Headers[0].Key)
	assert.Equal(t, "critical", string(msg.Headers[0].Value))
}

type recordingNotifier struct {
	name  string
	err   error
	calls int
}

func (n *recordingNotifier) Notify(context.Context, Notification) error {
	n.calls++
	return n.err
}

func (n *recordingNotifier) Channel() string { return n.name }

func TestFanoutContinuesPastFailures(t *testing.T) {
	broken := &recordingNotifier{name: "telegram", err: errors.New("boom")}
	healthy := &recordingNotifier{name: "kafka"}

	err := Fanout{broken, healthy}.Notify(context.Background(), sampleNote())
	require.Error(t, err)

	var delivery *DeliveryError
	require.True(t, errors.As(err, &delivery))
	assert.Equal(t, "telegram", delivery.Channel)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, healthy.calls)

	assert.NoError(t, Fanout{healthy}.Notify(context.Background(), sampleNote()))
}
