package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-reconciler/internal/model"
)

func sampleAlert() model.Alert {
	return model.Alert{
		Fingerprint: "0xabc",
		Event:       model.EventPriceDeviation,
		Severity:    model.SeverityCritical,
		Title:       "ETH price deviation 6.000%",
		Symbol:      "ETH",
		Channels:    []string{ChannelTelegram},
		Context:     map[string]any{"maxDeviationRatio": 0.06, "outliers": []string{"pyth"}},
		Occurrences: 1,
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, 0, testLogger())
	if err := notifier.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}
	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "Max deviation: 6.000%") {
		t.Fatalf("text should render deviation as percent: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, 0, testLogger())
	if err := notifier.Notify(context.Background(), sampleAlert()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, map[string]string{"Authorization": "Bearer x"}, 0, testLogger())
	require.NoError(t, n.Notify(context.Background(), sampleAlert()))
	assert.Equal(t, "Bearer x", auth)
	assert.Equal(t, "0xabc", got.Fingerprint)
	assert.Equal(t, "critical", got.Severity)
	assert.NotEmpty(t, got.Text)
}

func TestWebhookNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, nil, 0, testLogger())
	require.Error(t, n.Notify(context.Background(), sampleAlert()))
}

func TestMultiNotifierRoutesByChannel(t *testing.T) {
	tg := &recordingNotifier{}
	hook := &recordingNotifier{}
	m := NewMultiNotifier(testLogger()).Register(ChannelTelegram, tg).Register(ChannelWebhook, hook)

	alert := sampleAlert()
	alert.Channels = []string{ChannelWebhook, "email"}
	require.NoError(t, m.Notify(context.Background(), alert))
	assert.Len(t, hook.alerts, 1)
	assert.Empty(t, tg.alerts)

	alert.Channels = []string{"email"}
	require.Error(t, m.Notify(context.Background(), alert))
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
