package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/gateway"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/repository"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/service"
)

// validatorInstance разделяется всеми воркерами: валидатор потокобезопасен
// и кеширует метаданные структур
var validatorInstance = validator.New()

// webhookProcessor - часть WebhookProcessor, нужная task-слою
type webhookProcessor interface {
	Process(ctx context.Context, parsed gateway.ParsedWebhook) (service.Result, error)
}

// transactionReader - грубая fast-path проверка перед основной обработкой
type transactionReader interface {
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (repository.Transaction, error)
}

// WebhookHandler - task-обёртка над WebhookProcessor.
// Здесь, и только здесь, принимается решение retry-vs-terminal:
// по типу ошибки, никогда по бизнес-исходу.
type WebhookHandler struct {
	processor    webhookProcessor
	transactions transactionReader
	alerter      service.AdminAlerter
	logger       *zap.Logger
	softTimeout  time.Duration

	// retryInfo возвращает (сколько раз задача уже повторялась, максимум повторов).
	// В бою берётся из контекста asynq, в тестах подменяется.
	retryInfo func(ctx context.Context) (retried, maxRetry int, ok bool)
}

// NewWebhookHandler создаёт новый WebhookHandler
func NewWebhookHandler(
	processor webhookProcessor,
	transactions transactionReader,
	alerter service.AdminAlerter,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		processor:    processor,
		transactions: transactions,
		alerter:      alerter,
		logger:       logger,
		softTimeout:  WebhookSoftTimeout,
		retryInfo:    asynqRetryInfo,
	}
}

// ProcessTask обрабатывает задачу payment:process_webhook.
//
// Классификация сбоев:
//   - структурно плохой payload - без повторов (повтор не может помочь)
//   - webhook на неизвестную транзакцию - без повторов, алерт администраторам
//   - инфраструктурные ошибки (БД, сеть, открытый breaker) - повтор с backoff;
//     на исчерпании попыток - алерт с полным payload-ом
func (h *WebhookHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	// Advisory-предупреждение незадолго до жёсткого таймаута
	softTimer := time.AfterFunc(h.softTimeout, func() {
		h.logger.Warn("webhook task is approaching its hard timeout",
			zap.Duration("soft_timeout", h.softTimeout))
	})
	defer softTimer.Stop()

	var payload PaymentWebhookPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("malformed webhook task payload", zap.Error(err))
		return fmt.Errorf("unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	parsed, err := gateway.ParseWebhookPayload(payload.Raw)
	if err != nil {
		h.logger.Error("webhook payload failed to parse, not retrying",
			zap.Error(err),
			zap.ByteString("raw", payload.Raw))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	log := h.logger.With(
		zap.String("gateway_order_id", parsed.OrderID),
		zap.String("gateway_transaction_id", parsed.TransactionID),
	)

	// Грубый fast-path поверх авторитетной блокировки в Finalize:
	// повторная доставка уже финализированной транзакции не тратит
	// ни валидацию, ни транзакцию БД
	if existing, err := h.transactions.GetByGatewayOrderID(ctx, parsed.OrderID); err == nil && existing.Status.Terminal() {
		log.Info("transaction already finalized, skipping webhook",
			zap.String("status", string(existing.Status)))
		return nil
	}

	if err := gateway.ValidateWebhookPayload(validatorInstance, parsed); err != nil {
		log.Error("webhook payload failed validation, not retrying", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	result, err := h.processor.Process(ctx, parsed)
	if err != nil {
		return h.handleProcessingError(ctx, log, payload.Raw, err)
	}

	if result.Outcome == service.OutcomeTransactionNotFound {
		// Сигнал о проблеме целостности данных: webhook на заказ,
		// для которого мы не создавали транзакцию. Повтор не поможет.
		h.alert(ctx, log,
			fmt.Sprintf("Payment webhook for unknown transaction %s", parsed.OrderID),
			fmt.Sprintf("Received a webhook for gateway order %s (gateway transaction %s), "+
				"but no matching transaction exists.\n\nPayload:\n%s",
				parsed.OrderID, parsed.TransactionID, string(payload.Raw)))
		return fmt.Errorf("transaction not found for gateway order %s: %w", parsed.OrderID, asynq.SkipRetry)
	}

	log.Info("webhook task finished", zap.String("outcome", string(result.Outcome)))
	return nil
}

// handleProcessingError классифицирует ошибку обработки.
// Терминальные ошибки (плохие данные, нарушение констрейнта) не повторяются;
// всё остальное повторяется с backoff, а на последней попытке уходит алерт.
func (h *WebhookHandler) handleProcessingError(ctx context.Context, log *zap.Logger, raw json.RawMessage, err error) error {
	if errors.Is(err, gateway.ErrValidation) || errors.Is(err, repository.ErrDuplicateTransaction) {
		log.Error("terminal processing error, not retrying", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	retried, maxRetry, ok := h.retryInfo(ctx)
	if ok && retried >= maxRetry {
		// Последняя попытка: дальше задачу никто не возьмёт,
		// эскалируем человеку с полным контекстом для ручной сверки
		log.Error("webhook processing failed permanently, escalating",
			zap.Int("attempts", retried+1),
			zap.Error(err))
		h.alert(ctx, log,
			"Payment webhook failed permanently",
			fmt.Sprintf("Webhook processing failed after %d attempts.\n\nFinal error: %v\n\nPayload:\n%s",
				retried+1, err, string(raw)))
		return err
	}

	log.Warn("webhook processing failed, will retry",
		zap.Int("retried", retried),
		zap.Error(err))
	return err
}

// alert отправляет уведомление администраторам, сбой доставки только логируется
func (h *WebhookHandler) alert(ctx context.Context, log *zap.Logger, subject, message string) {
	if h.alerter == nil {
		return
	}
	if err := h.alerter.Alert(ctx, subject, message); err != nil {
		log.Error("failed to send admin alert", zap.Error(err))
	}
}

// asynqRetryInfo достаёт счётчики повторов из контекста asynq
func asynqRetryInfo(ctx context.Context) (int, int, bool) {
	retried, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	return retried, maxRetry, ok1 && ok2
}
