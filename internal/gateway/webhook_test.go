package gateway

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhookPayload(t *testing.T) {
	t.Run("Valid payload with numeric amount", func(t *testing.T) {
		raw := []byte(`{"transactionId":"T1","orderId":"O1","amount":100.50,"message":"successful","payer":"50937000000","reference":"REF-1"}`)

		parsed, err := ParseWebhookPayload(raw)
		require.NoError(t, err)

		assert.Equal(t, "T1", parsed.TransactionID)
		assert.Equal(t, "O1", parsed.OrderID)
		assert.True(t, parsed.Amount.Equal(decimal.RequireFromString("100.50")))
		assert.Equal(t, "successful", parsed.Message)
		assert.Equal(t, "50937000000", parsed.Payer)
		assert.Equal(t, "REF-1", parsed.Reference)
		assert.True(t, parsed.Succeeded())
		// Исходный payload сохраняется целиком для аудита
		assert.JSONEq(t, string(raw), string(parsed.RawData))
	})

	t.Run("Valid payload with string amount", func(t *testing.T) {
		raw := []byte(`{"transactionId":"T2","orderId":"O2","amount":"250.00","message":"declined"}`)

		parsed, err := ParseWebhookPayload(raw)
		require.NoError(t, err)

		assert.True(t, parsed.Amount.Equal(decimal.RequireFromString("250.00")))
		assert.False(t, parsed.Succeeded())
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		_, err := ParseWebhookPayload([]byte(`{"transactionId":`))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Non-numeric amount", func(t *testing.T) {
		_, err := ParseWebhookPayload([]byte(`{"transactionId":"T1","orderId":"O1","amount":"abc","message":"successful"}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Missing amount", func(t *testing.T) {
		_, err := ParseWebhookPayload([]byte(`{"transactionId":"T1","orderId":"O1","message":"successful"}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Null amount", func(t *testing.T) {
		_, err := ParseWebhookPayload([]byte(`{"transactionId":"T1","orderId":"O1","amount":null,"message":"successful"}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestValidateWebhookPayload(t *testing.T) {
	validate := validator.New()

	t.Run("Valid payload passes", func(t *testing.T) {
		parsed := ParsedWebhook{
			TransactionID: "T1",
			OrderID:       "O1",
			Amount:        decimal.RequireFromString("100.00"),
			Message:       "successful",
		}
		require.NoError(t, ValidateWebhookPayload(validate, parsed))
	})

	t.Run("Missing transactionId", func(t *testing.T) {
		parsed := ParsedWebhook{
			OrderID: "O1",
			Amount:  decimal.RequireFromString("100.00"),
			Message: "successful",
		}
		err := ValidateWebhookPayload(validate, parsed)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Missing orderId", func(t *testing.T) {
		parsed := ParsedWebhook{
			TransactionID: "T1",
			Amount:        decimal.RequireFromString("100.00"),
			Message:       "successful",
		}
		err := ValidateWebhookPayload(validate, parsed)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Non-positive amount", func(t *testing.T) {
		parsed := ParsedWebhook{
			TransactionID: "T1",
			OrderID:       "O1",
			Amount:        decimal.Zero,
			Message:       "successful",
		}
		err := ValidateWebhookPayload(validate, parsed)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
	})
}
