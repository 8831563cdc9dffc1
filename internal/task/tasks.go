package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Типы задач
const (
	// TypePaymentWebhook - обработка платёжного webhook-а
	TypePaymentWebhook = "payment:process_webhook"
	// TypeCleanupExpiredCarts - деактивация протухших корзин
	TypeCleanupExpiredCarts = "maintenance:cleanup_expired_carts"
	// TypeMonitorStuckPayments - поиск зависших pending платежей
	TypeMonitorStuckPayments = "monitoring:monitor_stuck_payments"
)

// Очереди: платёжные webhook-и приоритетнее maintenance-задач
const (
	QueuePayments    = "payments"
	QueueMaintenance = "maintenance"
	QueueMonitoring  = "monitoring"
)

// Расписание периодических задач (cron-формат)
const (
	CleanupExpiredCartsSchedule  = "*/30 * * * *"
	MonitorStuckPaymentsSchedule = "*/15 * * * *"
)

// Настройки retry и таймаутов по задачам
const (
	// webhookMaxRetry = 2 повторов, всего 3 попытки
	webhookMaxRetry = 2
	// webhookTimeout - жёсткий wall-clock бюджет одной попытки
	webhookTimeout = 5 * time.Minute
	// WebhookSoftTimeout - advisory-предупреждение до жёсткого таймаута
	WebhookSoftTimeout = 4 * time.Minute
	// webhookBackoffBase/Cap - экспоненциальный backoff с джиттером
	webhookBackoffBase = 60 * time.Second
	webhookBackoffCap  = 600 * time.Second

	cartsMaxRetry   = 1
	cartsRetryDelay = 5 * time.Minute
	cartsTimeout    = 10 * time.Minute

	monitorMaxRetry   = 2
	monitorRetryDelay = 120 * time.Second
	monitorTimeout    = 2 * time.Minute
)

// PaymentWebhookPayload - полезная нагрузка задачи обработки webhook-а.
// Сырой payload кладётся в очередь как есть: разбор и валидация происходят
// в воркере, HTTP-слой должен ответить шлюзу за доли секунды.
type PaymentWebhookPayload struct {
	Raw        json.RawMessage `json:"raw"`
	ReceivedAt time.Time       `json:"received_at"`
}

// NewPaymentWebhookTask создаёт задачу обработки платёжного webhook-а
func NewPaymentWebhookTask(raw json.RawMessage, receivedAt time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(PaymentWebhookPayload{
		Raw:        raw,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook task payload: %w", err)
	}
	return asynq.NewTask(TypePaymentWebhook, payload,
		asynq.Queue(QueuePayments),
		asynq.MaxRetry(webhookMaxRetry),
		asynq.Timeout(webhookTimeout),
	), nil
}

// NewCleanupExpiredCartsTask создаёт задачу деактивации протухших корзин
func NewCleanupExpiredCartsTask() *asynq.Task {
	return asynq.NewTask(TypeCleanupExpiredCarts, nil,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(cartsMaxRetry),
		asynq.Timeout(cartsTimeout),
	)
}

// NewMonitorStuckPaymentsTask создаёт задачу мониторинга зависших платежей
func NewMonitorStuckPaymentsTask() *asynq.Task {
	return asynq.NewTask(TypeMonitorStuckPayments, nil,
		asynq.Queue(QueueMonitoring),
		asynq.MaxRetry(monitorMaxRetry),
		asynq.Timeout(monitorTimeout),
	)
}

// Queues возвращает конфигурацию очередей с весами для asynq.Config.
// Платёжная очередь получает большую часть воркеров.
func Queues() map[string]int {
	return map[string]int{
		QueuePayments:    6,
		QueueMaintenance: 2,
		QueueMonitoring:  1,
	}
}
