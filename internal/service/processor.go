package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/gateway"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/metrics"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/repository"
)

// Outcome - бизнес-исход обработки webhook-а.
// Это значения, а не ошибки: повторная доставка или отказ платежа -
// нормальные ветки, retry по ним не принимается (см. internal/task).
type Outcome string

const (
	// OutcomeSuccess - платёж подтверждён, транзакция переведена в completed
	OutcomeSuccess Outcome = "success"
	// OutcomePaymentFailed - шлюз сообщил об отказе, транзакция переведена в failed
	OutcomePaymentFailed Outcome = "payment_failed"
	// OutcomeAlreadyProcessed - транзакция уже финализирована, мутаций не было
	OutcomeAlreadyProcessed Outcome = "already_processed"
	// OutcomeTransactionNotFound - webhook ссылается на неизвестный заказ.
	// Сигнал о проблеме целостности данных, не транзиентный сбой.
	OutcomeTransactionNotFound Outcome = "transaction_not_found"
)

// Result - результат обработки webhook-а
type Result struct {
	Outcome     Outcome
	Transaction repository.Transaction
}

// WebhookProcessor - ядро идемпотентной обработки платёжных webhook-ов.
// Применяет машину состояний pending -> completed/failed ровно один раз
// на транзакцию; повторные доставки безопасно схлопываются в no-op.
type WebhookProcessor struct {
	transactions repository.TransactionRepository
	publisher    PaymentEventPublisher
	logger       *zap.Logger
	now          func() time.Time
}

// NewWebhookProcessor создаёт новый WebhookProcessor.
// publisher может быть nil, тогда события не публикуются.
func NewWebhookProcessor(
	transactions repository.TransactionRepository,
	publisher PaymentEventPublisher,
	logger *zap.Logger,
) *WebhookProcessor {
	return &WebhookProcessor{
		transactions: transactions,
		publisher:    publisher,
		logger:       logger,
		now:          time.Now,
	}
}

// Process применяет разобранный webhook к транзакции.
//
// Вся мутация происходит внутри Finalize репозитория: одна транзакция БД,
// блокировка строки, обновление Transaction и Order одним коммитом.
// Возвращаемая ошибка означает только инфраструктурный сбой (БД недоступна);
// все бизнес-исходы приходят в Result.
func (p *WebhookProcessor) Process(ctx context.Context, parsed gateway.ParsedWebhook) (Result, error) {
	log := p.logger.With(
		zap.String("gateway_order_id", parsed.OrderID),
		zap.String("gateway_transaction_id", parsed.TransactionID),
	)

	finalization := repository.WebhookFinalization{
		GatewayOrderID:       parsed.OrderID,
		GatewayTransactionID: parsed.TransactionID,
		Succeeded:            parsed.Succeeded(),
		ReferenceNumber:      parsed.Reference,
		GatewayResponse:      parsed.RawData,
		ReceivedAt:           p.now(),
	}
	if parsed.Succeeded() {
		finalization.AdminNote = fmt.Sprintf("Payment confirmed via gateway webhook %s (reference %s)",
			parsed.TransactionID, parsed.Reference)
	} else {
		finalization.FailureReason = parsed.Message
		finalization.AdminNote = fmt.Sprintf("Payment failed via gateway webhook %s: %s",
			parsed.TransactionID, parsed.Message)
	}

	finalized, err := p.transactions.Finalize(ctx, finalization)
	if err != nil {
		return Result{}, fmt.Errorf("finalize webhook: %w", err)
	}

	var result Result
	switch finalized.Outcome {
	case repository.FinalizeNotFound:
		log.Warn("webhook references unknown transaction")
		result = Result{Outcome: OutcomeTransactionNotFound}

	case repository.FinalizeAlreadyProcessed:
		log.Info("webhook already processed, skipping",
			zap.String("status", string(finalized.Transaction.Status)))
		result = Result{Outcome: OutcomeAlreadyProcessed, Transaction: finalized.Transaction}

	default: // FinalizeApplied
		t := finalized.Transaction
		if !parsed.Amount.Equal(t.Amount) {
			// Суммы расходятся - платёж всё равно финализируем по ответу шлюза,
			// но след оставляем: это повод для ручной сверки
			log.Warn("webhook amount differs from transaction amount",
				zap.String("webhook_amount", parsed.Amount.String()),
				zap.String("transaction_amount", t.Amount.String()))
		}

		if parsed.Succeeded() {
			log.Info("payment completed",
				zap.String("transaction_id", t.ID),
				zap.String("order_id", t.OrderID),
				zap.String("amount", t.Amount.String()))
			result = Result{Outcome: OutcomeSuccess, Transaction: t}
			p.publishCompleted(ctx, t)
		} else {
			log.Info("payment failed",
				zap.String("transaction_id", t.ID),
				zap.String("failure_reason", parsed.Message))
			result = Result{Outcome: OutcomePaymentFailed, Transaction: t}
		}
	}

	metrics.ObserveWebhookOutcome(string(result.Outcome))
	return result, nil
}

// publishCompleted публикует доменное событие после коммита.
// Best-effort: сбой публикации логируется, но не откатывает платёж -
// источник истины уже в БД, событие можно переиздать.
func (p *WebhookProcessor) publishCompleted(ctx context.Context, t repository.Transaction) {
	if p.publisher == nil {
		return
	}

	event := PaymentCompletedEvent{
		EventID:              uuid.New().String(),
		EventType:            "payment.completed",
		EventVersion:         1,
		OrderID:              t.OrderID,
		GatewayOrderID:       t.GatewayOrderID,
		GatewayTransactionID: t.GatewayTransactionID,
		Amount:               t.Amount,
		Currency:             t.Currency,
		OccurredAt:           p.now(),
	}

	if err := p.publisher.PublishPaymentCompleted(ctx, event); err != nil {
		p.logger.Error("failed to publish payment.completed event",
			zap.String("order_id", t.OrderID),
			zap.String("gateway_order_id", t.GatewayOrderID),
			zap.Error(err))
	}
}
