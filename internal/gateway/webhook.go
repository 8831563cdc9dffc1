package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// successMessage - единственное значение message, которое шлюз присылает
// для успешного платежа. Всё остальное считается отказом.
const successMessage = "successful"

// ParsedWebhook - разобранный webhook payload от платёжного шлюза.
// Чистые данные без побочных эффектов: парсинг не ходит ни в сеть, ни в БД.
type ParsedWebhook struct {
	// TransactionID - идентификатор транзакции на стороне шлюза
	TransactionID string `validate:"required"`
	// OrderID - номер заказа, который мы передавали шлюзу при создании платежа.
	// Именно по нему ищем Transaction (см. GatewayOrderID в repository).
	OrderID string `validate:"required"`
	// Amount - сумма платежа
	Amount decimal.Decimal
	// Message - статус от шлюза ("successful" либо причина отказа)
	Message string `validate:"required"`
	// Payer - номер кошелька плательщика
	Payer string
	// Reference - референс платежа на стороне шлюза
	Reference string
	// RawData - исходный payload целиком, сохраняется в gatewayResponse для аудита
	RawData json.RawMessage
}

// Succeeded возвращает true, если шлюз сообщил об успешном платеже
func (w ParsedWebhook) Succeeded() bool {
	return w.Message == successMessage
}

// rawWebhook - промежуточная структура для декодирования payload.
// Amount оставляем как RawMessage: шлюз присылает сумму то числом, то строкой.
type rawWebhook struct {
	TransactionID string          `json:"transactionId"`
	OrderID       string          `json:"orderId"`
	Amount        json.RawMessage `json:"amount"`
	Message       string          `json:"message"`
	Payer         string          `json:"payer"`
	Reference     string          `json:"reference"`
}

// ParseWebhookPayload разбирает сырой webhook payload.
// Возвращает ErrValidation если JSON некорректен или amount не является числом.
func ParseWebhookPayload(raw []byte) (ParsedWebhook, error) {
	var payload rawWebhook
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ParsedWebhook{}, fmt.Errorf("%w: malformed json: %v", ErrValidation, err)
	}

	amount, err := parseAmount(payload.Amount)
	if err != nil {
		return ParsedWebhook{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return ParsedWebhook{
		TransactionID: payload.TransactionID,
		OrderID:       payload.OrderID,
		Amount:        amount,
		Message:       payload.Message,
		Payer:         payload.Payer,
		Reference:     payload.Reference,
		RawData:       json.RawMessage(raw),
	}, nil
}

// ValidateWebhookPayload проверяет структурную корректность payload:
// обязательные поля присутствуют, сумма числовая и положительная.
// Шлюз не подписывает webhook криптографически, поэтому проверка best-effort.
func ValidateWebhookPayload(validate *validator.Validate, parsed ParsedWebhook) error {
	if err := validate.Struct(parsed); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !parsed.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrValidation, parsed.Amount)
	}
	return nil
}

// parseAmount разбирает сумму, которая может прийти числом (100.0) или строкой ("100.00")
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 {
		return decimal.Decimal{}, fmt.Errorf("amount is required")
	}
	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, `"`)
	if s == "" || s == "null" {
		return decimal.Decimal{}, fmt.Errorf("amount is required")
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount is not numeric: %q", s)
	}
	return amount, nil
}
