package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/gateway"
)

// AdminAlerter - канал эскалации к людям.
// Используется при постоянных сбоях обработки и при обнаружении зависших платежей:
// корректность платежей никогда не должна падать молча.
type AdminAlerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// PaymentGateway - операции платёжного шлюза, нужные сервисному слою
type PaymentGateway interface {
	CreatePayment(ctx context.Context, orderID string, amount decimal.Decimal) (gateway.PaymentSession, error)
	VerifyPaymentByOrder(ctx context.Context, orderID string) (gateway.PaymentInfo, error)
	VerifyPaymentByTransaction(ctx context.Context, transactionID string) (gateway.PaymentInfo, error)
	ServiceStatus() gateway.ServiceStatus
}

// PaymentCompletedEvent - доменное событие об успешно подтверждённой оплате.
// Публикуется после коммита Finalize, потребляется downstream сервисами.
type PaymentCompletedEvent struct {
	EventID              string          `json:"event_id"`
	EventType            string          `json:"event_type"`
	EventVersion         int             `json:"event_version"`
	OrderID              string          `json:"order_id"`
	GatewayOrderID       string          `json:"gateway_order_id"`
	GatewayTransactionID string          `json:"gateway_transaction_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	OccurredAt           time.Time       `json:"occurred_at"`
}

// PaymentEventPublisher публикует доменные события оплаты
type PaymentEventPublisher interface {
	PublishPaymentCompleted(ctx context.Context, event PaymentCompletedEvent) error
}
