package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer кладёт задачи в очередь.
// Используется HTTP-слоем: ingestion-ручка только валидирует минимальную форму
// payload-а и ставит задачу, вся обработка происходит в воркере.
type Enqueuer struct {
	client *asynq.Client
	logger *zap.Logger
}

// NewEnqueuer создаёт новый Enqueuer поверх asynq.Client
func NewEnqueuer(client *asynq.Client, logger *zap.Logger) *Enqueuer {
	return &Enqueuer{
		client: client,
		logger: logger,
	}
}

// EnqueuePaymentWebhook ставит сырой webhook payload в платёжную очередь
func (e *Enqueuer) EnqueuePaymentWebhook(ctx context.Context, raw json.RawMessage) error {
	t, err := NewPaymentWebhookTask(raw, time.Now())
	if err != nil {
		return err
	}

	info, err := e.client.EnqueueContext(ctx, t)
	if err != nil {
		return fmt.Errorf("enqueue payment webhook: %w", err)
	}

	e.logger.Info("payment webhook enqueued",
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue))
	return nil
}
