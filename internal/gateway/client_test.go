package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryTokenCache - in-memory реализация TokenCache для тестов
type memoryTokenCache struct {
	mu    sync.Mutex
	token string
}

func (c *memoryTokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", ErrCacheMiss
	}
	return c.token, nil
}

func (c *memoryTokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	return nil
}

func (c *memoryTokenCache) Delete(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	return nil
}

func newTestClient(serverURL string, recoveryTimeout time.Duration) *Client {
	return NewClient(Config{
		BaseURL:          serverURL,
		ClientID:         "client-id",
		ClientSecret:     "client-secret",
		RedirectBaseURL:  "https://pay.example.com/middleware",
		RequestTimeout:   2 * time.Second,
		TokenTTLMargin:   5 * time.Minute,
		FailureThreshold: 5,
		RecoveryTimeout:  recoveryTimeout,
	}, &memoryTokenCache{}, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestClient_CreatePayment(t *testing.T) {
	ctx := context.Background()
	var tokenCalls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			tokenCalls.Add(1)
			// Токен выдаётся только по Basic auth
			user, pass, ok := r.BasicAuth()
			if !ok || user != "client-id" || pass != "client-secret" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "tok-123", "expires_in": 3600})
		case createPaymentPath:
			if r.Header.Get("Authorization") != "Bearer tok-123" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"payment_token": map[string]string{
					"token":   "pt-abc",
					"created": "2026-01-01 10:00:00",
					"expired": "2026-01-01 10:25:00",
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, 300*time.Second)

	session, err := client.CreatePayment(ctx, "O1", decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	assert.Equal(t, "pt-abc", session.PaymentToken)
	assert.Equal(t, "https://pay.example.com/middleware/Payment/Redirect?token=pt-abc", session.RedirectURL)

	// Второй вызов использует закешированный токен
	_, err = client.CreatePayment(ctx, "O2", decimal.RequireFromString("50.00"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenCalls.Load(), "token must be fetched once and then served from cache")
}

func TestClient_CreatePayment_Rejected(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "tok-123", "expires_in": 3600})
		case createPaymentPath:
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "amount too small"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, 300*time.Second)

	_, err := client.CreatePayment(ctx, "O1", decimal.RequireFromString("0.01"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPayment)
}

func TestClient_GetAccessToken_AuthFailure(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
	}))
	defer server.Close()

	client := newTestClient(server.URL, 300*time.Second)

	_, err := client.CreatePayment(ctx, "O1", decimal.RequireFromString("100.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestClient_VerifyPaymentByOrder(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "tok-123", "expires_in": 3600})
		case retrieveOrderPath:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "O1", body["orderId"])
			writeJSON(w, http.StatusOK, map[string]any{
				"payment": map[string]any{
					"reference":      "REF-1",
					"transaction_id": "T1",
					"cost":           "150.00",
					"message":        "successful",
					"payer":          "50937000000",
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, 300*time.Second)

	info, err := client.VerifyPaymentByOrder(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, "T1", info.TransactionID)
	assert.Equal(t, "REF-1", info.Reference)
	assert.True(t, info.Cost.Equal(decimal.RequireFromString("150.00")))
	assert.True(t, info.Succeeded())
}

func TestClient_VerifyPaymentByTransaction_NotFound(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "tok-123", "expires_in": 3600})
		case retrieveTransactionPath:
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, 300*time.Second)

	_, err := client.VerifyPaymentByTransaction(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestClient_CircuitBreaker_TripsAndRecovers(t *testing.T) {
	ctx := context.Background()
	var verifyCalls atomic.Int32
	var healthy atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "tok-123", "expires_in": 3600})
		case retrieveOrderPath:
			verifyCalls.Add(1)
			if !healthy.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"payment": map[string]any{"transaction_id": "T1", "message": "successful", "cost": "10.00"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, 200*time.Millisecond)

	// Прогреваем кеш токена, чтобы breaker считал только verify-запросы
	// (первый verify-вызов сначала получит токен, это успех и сброс счётчика)
	healthy.Store(true)
	_, err := client.VerifyPaymentByOrder(ctx, "O1")
	require.NoError(t, err)
	require.Equal(t, int32(1), verifyCalls.Load())

	// 5 подряд неудачных запросов открывают breaker
	healthy.Store(false)
	for i := 0; i < 5; i++ {
		_, err := client.VerifyPaymentByOrder(ctx, "O1")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrServiceUnavailable, "call %d must reach the network", i+1)
	}
	require.Equal(t, int32(6), verifyCalls.Load())
	assert.Equal(t, "open", client.ServiceStatus().BreakerState)

	// Открытый breaker отбивает вызовы без сетевого запроса
	_, err = client.VerifyPaymentByOrder(ctx, "O1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, int32(6), verifyCalls.Load(), "open breaker must not hit the network")

	// После recovery timeout breaker пропускает пробный запрос и закрывается на успехе
	healthy.Store(true)
	time.Sleep(300 * time.Millisecond)

	info, err := client.VerifyPaymentByOrder(ctx, "O1")
	require.NoError(t, err)
	assert.True(t, info.Succeeded())
	assert.Equal(t, int32(7), verifyCalls.Load())
	assert.Equal(t, "closed", client.ServiceStatus().BreakerState)
}
