package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/metrics"
)

// Эндпоинты платёжного шлюза (контракт зафиксирован провайдером)
const (
	tokenPath               = "/Api/oauth/token"
	createPaymentPath       = "/Api/v1/CreatePayment"
	retrieveOrderPath       = "/Api/v1/RetrieveOrderPayment"
	retrieveTransactionPath = "/Api/v1/RetrieveTransactionPayment"
)

// Config содержит конфигурацию клиента платёжного шлюза
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	// RedirectBaseURL - база для построения redirect URL, на который уходит покупатель
	RedirectBaseURL string
	// RequestTimeout - таймаут одного HTTP запроса
	RequestTimeout time.Duration
	// TokenTTLMargin - запас, на который укорачиваем TTL кешируемого токена
	TokenTTLMargin time.Duration
	// FailureThreshold - сколько подряд неудачных запросов открывают breaker
	FailureThreshold uint32
	// RecoveryTimeout - через сколько открытый breaker переходит в half-open
	RecoveryTimeout time.Duration
}

// Client инкапсулирует всё сетевое взаимодействие с платёжным шлюзом:
// получение и кеширование OAuth токена, создание платежей, проверку статусов.
// Все запросы идут через circuit breaker: при открытом breaker-е запрос
// не отправляется в сеть и сразу возвращается ErrServiceUnavailable.
type Client struct {
	cfg      Config
	http     *resty.Client
	breaker  *gobreaker.CircuitBreaker
	cache    TokenCache
	validate *validator.Validate
	logger   *zap.Logger
}

// NewClient создаёт новый клиент платёжного шлюза
func NewClient(cfg Config, cache TokenCache, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")

	settings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1, // в half-open пропускаем один пробный запрос
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.SetGatewayBreakerState(to.String())
		},
	}

	return &Client{
		cfg:      cfg,
		http:     httpClient,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		cache:    cache,
		validate: validator.New(),
		logger:   logger,
	}
}

// PaymentSession - результат успешного создания платежа в шлюзе
type PaymentSession struct {
	// PaymentToken - токен, по которому шлюз идентифицирует платёжную сессию
	PaymentToken string
	// RedirectURL - адрес, на который нужно отправить покупателя для оплаты
	RedirectURL string
	// CreatedAt и ExpiresAt - сроки жизни сессии в формате шлюза
	CreatedAt string
	ExpiresAt string
}

// PaymentInfo - статус платежа по данным шлюза
type PaymentInfo struct {
	Reference     string
	TransactionID string
	Cost          decimal.Decimal
	Message       string
	Payer         string
}

// Succeeded возвращает true, если шлюз подтвердил успешную оплату
func (p PaymentInfo) Succeeded() bool {
	return p.Message == successMessage
}

// ServiceStatus - снимок состояния клиента для диагностики
type ServiceStatus struct {
	BreakerState        string
	ConsecutiveFailures uint32
	TotalRequests       uint32
}

// CreatePayment создаёт платёжную сессию в шлюзе для указанного заказа.
// Шлюз отвечает 202 Accepted с вложенным payment_token, из которого строится redirect URL.
func (c *Client) CreatePayment(ctx context.Context, orderID string, amount decimal.Decimal) (PaymentSession, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return PaymentSession{}, err
	}

	resp, err := c.execute(ctx, "create_payment", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]string{
				"amount":  amount.String(),
				"orderId": orderID,
			}).
			Post(createPaymentPath)
	})
	if err != nil {
		return PaymentSession{}, err
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		// Токен мог протухнуть раньше расчётного TTL, сбрасываем кеш
		_ = c.cache.Delete(ctx)
		return PaymentSession{}, fmt.Errorf("%w: create payment returned 401", ErrAuthentication)
	}
	if resp.StatusCode() != http.StatusAccepted {
		return PaymentSession{}, fmt.Errorf("%w: create payment returned %d: %s",
			ErrPayment, resp.StatusCode(), truncate(string(resp.Body()), 300))
	}

	var created struct {
		PaymentToken struct {
			Token   string `json:"token"`
			Created string `json:"created"`
			Expired string `json:"expired"`
		} `json:"payment_token"`
	}
	if err := json.Unmarshal(resp.Body(), &created); err != nil {
		return PaymentSession{}, fmt.Errorf("%w: malformed create payment response: %v", ErrPayment, err)
	}
	if created.PaymentToken.Token == "" {
		return PaymentSession{}, fmt.Errorf("%w: create payment response has no payment_token.token", ErrPayment)
	}

	session := PaymentSession{
		PaymentToken: created.PaymentToken.Token,
		RedirectURL:  fmt.Sprintf("%s/Payment/Redirect?token=%s", c.cfg.RedirectBaseURL, created.PaymentToken.Token),
		CreatedAt:    created.PaymentToken.Created,
		ExpiresAt:    created.PaymentToken.Expired,
	}

	c.logger.Info("payment session created",
		zap.String("order_id", orderID),
		zap.String("amount", amount.String()))

	return session, nil
}

// VerifyPaymentByOrder запрашивает статус платежа по номеру заказа
func (c *Client) VerifyPaymentByOrder(ctx context.Context, orderID string) (PaymentInfo, error) {
	return c.retrievePayment(ctx, "verify_by_order", retrieveOrderPath, map[string]string{"orderId": orderID})
}

// VerifyPaymentByTransaction запрашивает статус платежа по идентификатору транзакции шлюза
func (c *Client) VerifyPaymentByTransaction(ctx context.Context, transactionID string) (PaymentInfo, error) {
	return c.retrievePayment(ctx, "verify_by_transaction", retrieveTransactionPath, map[string]string{"transactionId": transactionID})
}

// ParseWebhook разбирает сырой webhook payload (см. ParseWebhookPayload)
func (c *Client) ParseWebhook(raw []byte) (ParsedWebhook, error) {
	return ParseWebhookPayload(raw)
}

// ValidateWebhook проверяет структурную корректность разобранного payload
func (c *Client) ValidateWebhook(parsed ParsedWebhook) error {
	return ValidateWebhookPayload(c.validate, parsed)
}

// ServiceStatus возвращает текущее состояние circuit breaker-а
func (c *Client) ServiceStatus() ServiceStatus {
	counts := c.breaker.Counts()
	return ServiceStatus{
		BreakerState:        c.breaker.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalRequests:       counts.Requests,
	}
}

// getAccessToken возвращает access token из кеша или получает свежий
// через OAuth client-credentials обмен. Свежий токен кешируется с TTL,
// укороченным на TokenTTLMargin, чтобы не работать с почти протухшим токеном.
func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	token, err := c.cache.Get(ctx)
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		// Кеш недоступен - не фатально, просто сходим за свежим токеном
		c.logger.Warn("token cache unavailable, fetching fresh token", zap.Error(err))
	}

	resp, err := c.execute(ctx, "oauth_token", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
			SetFormData(map[string]string{
				"scope":      "read,write",
				"grant_type": "client_credentials",
			}).
			Post(tokenPath)
	})
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrAuthentication, resp.StatusCode())
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body(), &tokenResp); err != nil {
		return "", fmt.Errorf("%w: malformed token response: %v", ErrAuthentication, err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: token response has no access_token", ErrAuthentication)
	}

	ttl := time.Duration(tokenResp.ExpiresIn)*time.Second - c.cfg.TokenTTLMargin
	if ttl > 0 {
		if err := c.cache.Set(ctx, tokenResp.AccessToken, ttl); err != nil {
			c.logger.Warn("failed to cache access token", zap.Error(err))
		}
	}

	return tokenResp.AccessToken, nil
}

// retrievePayment - общий путь для обоих retrieval эндпоинтов
func (c *Client) retrievePayment(ctx context.Context, op, path string, body map[string]string) (PaymentInfo, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return PaymentInfo{}, err
	}

	resp, err := c.execute(ctx, op, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(path)
	})
	if err != nil {
		return PaymentInfo{}, err
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		_ = c.cache.Delete(ctx)
		return PaymentInfo{}, fmt.Errorf("%w: %s returned 401", ErrAuthentication, op)
	case resp.StatusCode() == http.StatusNotFound:
		return PaymentInfo{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, op)
	case !resp.IsSuccess():
		return PaymentInfo{}, fmt.Errorf("%w: %s returned %d: %s",
			ErrPayment, op, resp.StatusCode(), truncate(string(resp.Body()), 300))
	}

	var retrieved struct {
		Payment struct {
			Reference     string          `json:"reference"`
			TransactionID string          `json:"transaction_id"`
			Cost          json.RawMessage `json:"cost"`
			Message       string          `json:"message"`
			Payer         string          `json:"payer"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(resp.Body(), &retrieved); err != nil {
		return PaymentInfo{}, fmt.Errorf("%w: malformed %s response: %v", ErrPayment, op, err)
	}
	if retrieved.Payment.TransactionID == "" && retrieved.Payment.Message == "" {
		return PaymentInfo{}, fmt.Errorf("%w: %s response has no payment object", ErrPaymentNotFound, op)
	}

	cost := decimal.Zero
	if len(retrieved.Payment.Cost) > 0 {
		cost, err = parseAmount(retrieved.Payment.Cost)
		if err != nil {
			return PaymentInfo{}, fmt.Errorf("%w: %s response cost: %v", ErrPayment, op, err)
		}
	}

	return PaymentInfo{
		Reference:     retrieved.Payment.Reference,
		TransactionID: retrieved.Payment.TransactionID,
		Cost:          cost,
		Message:       retrieved.Payment.Message,
		Payer:         retrieved.Payment.Payer,
	}, nil
}

// execute выполняет сетевой вызов через circuit breaker.
// Breaker считает неудачами транспортные ошибки и ответы 5xx;
// бизнес-отказы шлюза (4xx) breaker не открывают.
// При открытом breaker-е возвращает ErrServiceUnavailable без сетевого вызова.
func (c *Client) execute(ctx context.Context, op string, call func() (*resty.Response, error)) (*resty.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := call()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%s: gateway returned %d", op, resp.StatusCode())
		}
		return resp, nil
	})
	metrics.ObserveGatewayRequest(op, err)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", op, ErrServiceUnavailable)
		}
		c.logger.Error("gateway request failed",
			zap.String("operation", op),
			zap.Error(err))
		return nil, err
	}
	return result.(*resty.Response), nil
}

// truncate обрезает строку до maxLen символов для безопасного логирования тел ответов
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
