package httpapi

import (
	"github.com/go-chi/chi/v5"

	platformhealth "github.com/johnleylorvil/psychic-octo-invention-sub001/platform/health/http"
)

// NewRouter создаёт и настраивает HTTP роутер платёжного сервиса.
// readiness - проверка готовности (например, ping БД); при false
// readiness probe вернёт 503 Service Unavailable.
func NewRouter(handler *Handler, readiness func() bool) chi.Router {
	router := chi.NewRouter()

	router.Post("/webhooks/payment", handler.PostPaymentWebhook)
	router.Post("/payments", handler.PostPayments)
	router.Get("/gateway/status", handler.GetGatewayStatus)

	// Health probes без какой-либо авторизации
	router.Get("/health", platformhealth.ReadinessHandler(readiness))
	router.Get("/health/live", platformhealth.LivenessHandler())
	router.Get("/health/ready", platformhealth.ReadinessHandler(readiness))

	return router
}
