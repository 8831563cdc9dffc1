package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Метрики подсистемы сверки платежей.
// Регистрируются в default registry через promauto при загрузке пакета.
var (
	webhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payments",
		Name:      "webhook_outcomes_total",
		Help:      "Business outcomes of processed payment webhooks",
	}, []string{"outcome"})

	gatewayBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "payments",
		Name:      "gateway_breaker_state",
		Help:      "Circuit breaker state of the payment gateway client (0=closed, 1=half-open, 2=open)",
	})

	gatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payments",
		Name:      "gateway_requests_total",
		Help:      "Requests to the payment gateway by operation and result",
	}, []string{"operation", "result"})

	cartsDeactivated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payments",
		Name:      "expired_carts_deactivated_total",
		Help:      "Expired carts soft-deleted by the cleanup sweep",
	})

	stuckPendingPayments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "payments",
		Name:      "stuck_pending_payments",
		Help:      "Pending transactions older than the stuck-payment threshold, as of the last sweep",
	})
)

// ObserveWebhookOutcome увеличивает счётчик бизнес-исходов webhook-а
// (success, payment_failed, already_processed, transaction_not_found)
func ObserveWebhookOutcome(outcome string) {
	webhookOutcomes.WithLabelValues(outcome).Inc()
}

// SetGatewayBreakerState выставляет gauge по имени состояния circuit breaker-а
func SetGatewayBreakerState(state string) {
	switch state {
	case "half-open":
		gatewayBreakerState.Set(1)
	case "open":
		gatewayBreakerState.Set(2)
	default:
		gatewayBreakerState.Set(0)
	}
}

// ObserveGatewayRequest увеличивает счётчик запросов к шлюзу
func ObserveGatewayRequest(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	gatewayRequests.WithLabelValues(operation, result).Inc()
}

// AddCartsDeactivated увеличивает счётчик деактивированных корзин
func AddCartsDeactivated(n int64) {
	cartsDeactivated.Add(float64(n))
}

// SetStuckPendingPayments выставляет количество зависших платежей по итогам последнего обхода
func SetStuckPendingPayments(n int) {
	stuckPendingPayments.Set(float64(n))
}

// Handler возвращает HTTP handler для /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
