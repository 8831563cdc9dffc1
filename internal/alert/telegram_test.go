package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAlerter(serverURL string) *TelegramAlerter {
	a := NewTelegramAlerter(zap.NewNop(), "token", "chat-1")
	a.apiURL = serverURL
	return a
}

func TestTelegramAlerter_Alert(t *testing.T) {
	ctx := context.Background()

	var gotText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sendMessage", r.URL.Path)

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "chat-1", payload["chat_id"])
		gotText, _ = payload["text"].(string)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}))
	defer server.Close()

	alerter := newTestAlerter(server.URL)

	err := alerter.Alert(ctx, "Stuck payments detected", "details here")
	require.NoError(t, err)
	assert.Contains(t, gotText, "Stuck payments detected")
	assert.Contains(t, gotText, "details here")
}

func TestTelegramAlerter_Alert_APIError(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":          false,
			"description": "Bad Request: chat not found",
		})
	}))
	defer server.Close()

	alerter := newTestAlerter(server.URL)

	err := alerter.Alert(ctx, "subject", "message")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramAlerter_Alert_HTTPError(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer server.Close()

	alerter := newTestAlerter(server.URL)

	err := alerter.Alert(ctx, "subject", "message")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestTelegramAlerter_Alert_TruncatesLongMessage(t *testing.T) {
	ctx := context.Background()

	var gotText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotText, _ = payload["text"].(string)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}))
	defer server.Close()

	alerter := newTestAlerter(server.URL)

	err := alerter.Alert(ctx, "subject", strings.Repeat("x", 10000))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(gotText), telegramMessageLimit+3)
}
