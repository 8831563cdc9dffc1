package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/metrics"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/repository"
)

// SweeperConfig - настройки периодических обходов
type SweeperConfig struct {
	// CartBatchSize - максимум корзин, деактивируемых за один запуск
	CartBatchSize int
	// StuckPaymentAge - возраст, после которого pending транзакция считается зависшей.
	// Заодно это карантин: свежие pending строки, которые прямо сейчас может
	// финализировать webhook, монитор не трогает.
	StuckPaymentAge time.Duration
	// StuckReportLimit - максимум детальных записей в отчёте администратору
	StuckReportLimit int
}

// Sweeper выполняет периодические maintenance-обходы:
// деактивацию протухших корзин и мониторинг зависших платежей.
// Оба обхода идемпотентны и безопасны при конкурентном запуске с обработкой webhook-ов.
type Sweeper struct {
	transactions repository.TransactionRepository
	carts        repository.CartRepository
	alerter      AdminAlerter
	logger       *zap.Logger
	cfg          SweeperConfig
	now          func() time.Time
}

// NewSweeper создаёт новый Sweeper
func NewSweeper(
	transactions repository.TransactionRepository,
	carts repository.CartRepository,
	alerter AdminAlerter,
	cfg SweeperConfig,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		transactions: transactions,
		carts:        carts,
		alerter:      alerter,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
	}
}

// CleanupExpiredCarts деактивирует протухшие корзины одним bulk-обновлением,
// не более CartBatchSize за запуск. Остаток подберёт следующий запуск по расписанию.
func (s *Sweeper) CleanupExpiredCarts(ctx context.Context) (int64, error) {
	deactivated, err := s.carts.DeactivateExpired(ctx, s.now(), s.cfg.CartBatchSize)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired carts: %w", err)
	}

	metrics.AddCartsDeactivated(deactivated)
	if deactivated > 0 {
		s.logger.Info("expired carts deactivated",
			zap.Int64("count", deactivated),
			zap.Int("batch_size", s.cfg.CartBatchSize))
	}
	return deactivated, nil
}

// MonitorStuckPayments ищет pending транзакции старше StuckPaymentAge
// и отправляет администраторам отчёт. Состояние не мутирует - чистая детекция:
// найденные зависшие платежи это не ошибка задачи, а успешное срабатывание.
func (s *Sweeper) MonitorStuckPayments(ctx context.Context) (int, error) {
	olderThan := s.now().Add(-s.cfg.StuckPaymentAge)

	stuck, total, err := s.transactions.FindStuckPending(ctx, olderThan, s.cfg.StuckReportLimit)
	if err != nil {
		return 0, fmt.Errorf("find stuck pending transactions: %w", err)
	}

	metrics.SetStuckPendingPayments(total)
	if total == 0 {
		s.logger.Debug("no stuck payments found")
		return 0, nil
	}

	s.logger.Warn("stuck pending payments detected",
		zap.Int("total", total),
		zap.Int("reported", len(stuck)))

	subject := fmt.Sprintf("Stuck payments detected: %d pending transactions older than %s",
		total, s.cfg.StuckPaymentAge)
	message := s.buildStuckReport(stuck, total)

	if err := s.alerter.Alert(ctx, subject, message); err != nil {
		return total, fmt.Errorf("send stuck payments alert: %w", err)
	}
	return total, nil
}

// buildStuckReport собирает текстовый отчёт с ограниченным числом детальных записей
func (s *Sweeper) buildStuckReport(stuck []repository.Transaction, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d pending transactions older than %s.\n\n", total, s.cfg.StuckPaymentAge)

	now := s.now()
	for _, t := range stuck {
		age := now.Sub(t.CreatedAt).Round(time.Minute)
		fmt.Fprintf(&b, "- transaction %s, gateway order %s, order %s, amount %s %s, pending for %s\n",
			t.ID, t.GatewayOrderID, t.OrderID, t.Amount.String(), t.Currency, age)
	}

	if total > len(stuck) {
		fmt.Fprintf(&b, "\n...and %d more not shown.", total-len(stuck))
	}
	return b.String()
}
