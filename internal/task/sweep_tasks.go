package task

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// sweeper - операции периодических обходов, нужные task-слою
type sweeper interface {
	CleanupExpiredCarts(ctx context.Context) (int64, error)
	MonitorStuckPayments(ctx context.Context) (int, error)
}

// SweepHandler - task-обёртки над Sweeper.
// Оба обхода идемпотентны, поэтому обработчики просто пробрасывают ошибку:
// границы повторов задаёт конфигурация задач (MaxRetry + RetryDelay).
type SweepHandler struct {
	sweeper sweeper
	logger  *zap.Logger
}

// NewSweepHandler создаёт новый SweepHandler
func NewSweepHandler(s sweeper, logger *zap.Logger) *SweepHandler {
	return &SweepHandler{
		sweeper: s,
		logger:  logger,
	}
}

// HandleCleanupExpiredCarts обрабатывает задачу maintenance:cleanup_expired_carts.
// При сбое после единственного повтора полагаемся на следующий запуск по расписанию.
func (h *SweepHandler) HandleCleanupExpiredCarts(ctx context.Context, t *asynq.Task) error {
	deactivated, err := h.sweeper.CleanupExpiredCarts(ctx)
	if err != nil {
		h.logger.Error("cart cleanup sweep failed", zap.Error(err))
		return err
	}
	h.logger.Info("cart cleanup sweep finished", zap.Int64("deactivated", deactivated))
	return nil
}

// HandleMonitorStuckPayments обрабатывает задачу monitoring:monitor_stuck_payments.
// Найденные зависшие платежи - не ошибка задачи: повторяется только сбой
// самой детекции или доставки отчёта.
func (h *SweepHandler) HandleMonitorStuckPayments(ctx context.Context, t *asynq.Task) error {
	total, err := h.sweeper.MonitorStuckPayments(ctx)
	if err != nil {
		h.logger.Error("stuck payments sweep failed", zap.Error(err))
		return err
	}
	h.logger.Info("stuck payments sweep finished", zap.Int("stuck_total", total))
	return nil
}
