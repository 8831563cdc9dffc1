package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/gateway"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/service"
)

// maxWebhookBodySize - лимит тела webhook-запроса, защита от мусорных payload-ов
const maxWebhookBodySize = 64 * 1024

// defaultCurrency используется, если клиент не указал валюту явно
const defaultCurrency = "HTG"

// WebhookEnqueuer ставит сырой webhook payload в очередь воркера
type WebhookEnqueuer interface {
	EnqueuePaymentWebhook(ctx context.Context, raw json.RawMessage) error
}

// PaymentInitiator начинает оплату заказа через платёжный шлюз
type PaymentInitiator interface {
	CreatePayment(ctx context.Context, orderID string, amount decimal.Decimal, currency, paymentMethod string) (service.InitiatedPayment, error)
}

// GatewayStatusProvider отдаёт снимок состояния клиента шлюза
type GatewayStatusProvider interface {
	ServiceStatus() gateway.ServiceStatus
}

// Handler содержит HTTP-обработчики платёжного сервиса.
// Зависит от service слоя и очереди задач, но не знает о деталях реализации.
type Handler struct {
	enqueuer  WebhookEnqueuer
	initiator PaymentInitiator
	gateway   GatewayStatusProvider
	logger    *zap.Logger
}

// NewHandler создаёт новый HTTP handler
func NewHandler(enqueuer WebhookEnqueuer, initiator PaymentInitiator, gw GatewayStatusProvider, logger *zap.Logger) *Handler {
	return &Handler{
		enqueuer:  enqueuer,
		initiator: initiator,
		gateway:   gw,
		logger:    logger,
	}
}

// webhookShape - минимальная форма webhook-а, проверяемая до постановки в очередь.
// Полная валидация (суммы, сообщения) происходит в воркере:
// здесь отсекается только явный мусор, чтобы не засорять очередь.
type webhookShape struct {
	TransactionID *string         `json:"transactionId"`
	OrderID       *string         `json:"orderId"`
	Amount        json.RawMessage `json:"amount"`
	Message       *string         `json:"message"`
}

// PostPaymentWebhook обрабатывает POST /webhooks/payment.
//
// Ручка отвечает быстро: payload проверяется на минимальную форму и ставится
// в очередь, вся обработка (поиск транзакции, финализация, события) идёт в воркере.
// 200 означает "принято в обработку", а не "платёж финализирован".
func (h *Handler) PostPaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty webhook payload")
		return
	}

	var shape webhookShape
	if err := json.Unmarshal(body, &shape); err != nil {
		h.logger.Warn("webhook payload is not valid JSON", zap.Error(err))
		writeError(w, http.StatusBadRequest, "webhook payload must be a JSON object")
		return
	}

	if shape.TransactionID == nil || shape.OrderID == nil || len(shape.Amount) == 0 || shape.Message == nil {
		h.logger.Warn("webhook payload is missing required fields")
		writeError(w, http.StatusBadRequest, "webhook payload must contain transactionId, orderId, amount and message")
		return
	}

	if err := h.enqueuer.EnqueuePaymentWebhook(ctx, json.RawMessage(body)); err != nil {
		h.logger.Error("failed to enqueue payment webhook", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "webhook accepted but could not be queued, retry later")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// PaymentRequest представляет HTTP запрос на старт оплаты
type PaymentRequest struct {
	OrderID       *string `json:"order_id"`
	Amount        *string `json:"amount"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"payment_method"`
}

// PaymentResponse представляет HTTP ответ со ссылкой на оплату
type PaymentResponse struct {
	TransactionID  string `json:"transaction_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentToken   string `json:"payment_token"`
	RedirectURL    string `json:"redirect_url"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
}

// PostPayments обрабатывает POST /payments - старт оплаты заказа
func (h *Handler) PostPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqBody PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if reqBody.OrderID == nil || *reqBody.OrderID == "" || reqBody.Amount == nil {
		writeError(w, http.StatusBadRequest, "order_id and amount are required")
		return
	}

	amount, err := decimal.NewFromString(*reqBody.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal string")
		return
	}

	currency := reqBody.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	result, err := h.initiator.CreatePayment(ctx, *reqBody.OrderID, amount, currency, reqBody.PaymentMethod)
	if err != nil {
		h.logger.Error("payment initiation failed",
			zap.String("order_id", *reqBody.OrderID),
			zap.Error(err))
		switch {
		case errors.Is(err, gateway.ErrServiceUnavailable):
			writeError(w, http.StatusServiceUnavailable, "payment gateway is temporarily unavailable")
		case errors.Is(err, gateway.ErrPayment), errors.Is(err, gateway.ErrValidation):
			writeError(w, http.StatusUnprocessableEntity, "payment gateway rejected the request")
		default:
			writeError(w, http.StatusInternalServerError, "failed to initiate payment")
		}
		return
	}

	writeJSON(w, http.StatusCreated, PaymentResponse{
		TransactionID:  result.Transaction.ID,
		GatewayOrderID: result.Transaction.GatewayOrderID,
		PaymentToken:   result.PaymentToken,
		RedirectURL:    result.RedirectURL,
		Amount:         result.Transaction.Amount.String(),
		Currency:       result.Transaction.Currency,
	})
}

// GetGatewayStatus обрабатывает GET /gateway/status - диагностика клиента шлюза
func (h *Handler) GetGatewayStatus(w http.ResponseWriter, r *http.Request) {
	status := h.gateway.ServiceStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breaker_state":        status.BreakerState,
		"consecutive_failures": status.ConsecutiveFailures,
		"total_requests":       status.TotalRequests,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
