package task

import (
	"math/rand"
	"time"

	"github.com/hibiken/asynq"
)

// RetryDelay выбирает задержку перед повтором в зависимости от типа задачи.
// Передаётся в asynq.Config.RetryDelayFunc.
//
// Webhook-задачи ждут по экспоненте от 60s с джиттером, не дольше 600s.
// Maintenance-задачи ждут фиксированный интервал из своей конфигурации.
func RetryDelay(n int, err error, t *asynq.Task) time.Duration {
	switch t.Type() {
	case TypePaymentWebhook:
		return webhookBackoff(n)
	case TypeCleanupExpiredCarts:
		return cartsRetryDelay
	case TypeMonitorStuckPayments:
		return monitorRetryDelay
	default:
		return asynq.DefaultRetryDelayFunc(n, err, t)
	}
}

// webhookBackoff считает задержку n-го повтора: base * 2^(n-1) + джиттер, cap 600s
func webhookBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	backoff := webhookBackoffBase
	for i := 1; i < n; i++ {
		backoff *= 2
		if backoff >= webhookBackoffCap {
			backoff = webhookBackoffCap
			break
		}
	}

	// Джиттер до 10% разводит повторы одновременно упавших задач
	jitter := time.Duration(rand.Int63n(int64(backoff)/10 + 1))
	delay := backoff + jitter
	if delay > webhookBackoffCap {
		delay = webhookBackoffCap
	}
	return delay
}
