package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpapi "github.com/johnleylorvil/psychic-octo-invention-sub001/internal/api/http"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/config"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/gateway"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/metrics"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/repository/postgres"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/service"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/task"
	platformlogging "github.com/johnleylorvil/psychic-octo-invention-sub001/platform/logging"
	platformshutdown "github.com/johnleylorvil/psychic-octo-invention-sub001/platform/shutdown"
)

// API содержит все зависимости HTTP API сервиса платежей
type API struct {
	logger        *zap.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	shutdownMgr   *platformshutdown.Manager
	wg            sync.WaitGroup
}

// BuildAPI создаёт и настраивает все зависимости API сервиса.
// API принимает webhook-и от шлюза и запросы на старт оплаты;
// обработка webhook-ов уезжает в очередь и выполняется воркером.
func BuildAPI(cfg config.Config) (*API, error) {
	const op = "app.BuildAPI"

	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "payment-api",
		Env:         string(cfg.AppEnv),
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
	})
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("op", op))
	logger.Info("Building payment API service",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("gateway_base_url", cfg.GatewayBaseURL))

	// Подключаемся к PostgreSQL
	logger.Info("Connecting to PostgreSQL")
	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL connection established")

	// Redis: кеш access token-ов шлюза
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("Redis connection established", zap.String("addr", cfg.RedisAddr))

	// Клиент платёжного шлюза
	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:          cfg.GatewayBaseURL,
		ClientID:         cfg.GatewayClientID,
		ClientSecret:     cfg.GatewayClientSecret,
		RedirectBaseURL:  cfg.RedirectBaseURL,
		RequestTimeout:   cfg.GatewayRequestTimeout,
		TokenTTLMargin:   cfg.TokenTTLMargin,
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	}, gateway.NewRedisTokenCache(redisClient), logger)

	// Очередь задач: API только ставит задачи, обрабатывает воркер
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	enqueuer := task.NewEnqueuer(asynqClient, logger)

	repo := postgres.NewRepository(pool)
	initiator := service.NewPaymentInitiator(repo, gatewayClient, logger)

	readiness := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(ctx) == nil
	}

	handler := httpapi.NewHandler(enqueuer, initiator, gatewayClient, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewRouter(handler, readiness),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}

	// Регистрируем shutdown функции; выполняются в обратном порядке:
	// сначала перестаём принимать запросы, затем закрываем клиентов и пул
	shutdownMgr := platformshutdown.New(cfg.ShutdownTimeout, logger)
	shutdownMgr.Add("postgres_pool", platformshutdown.ClosePool(pool))
	shutdownMgr.Add("redis_client", platformshutdown.CloseClient(redisClient))
	shutdownMgr.Add("asynq_client", platformshutdown.CloseClient(asynqClient))
	shutdownMgr.Add("metrics_server", platformshutdown.ShutdownHTTPServer(metricsServer))
	shutdownMgr.Add("http_server", platformshutdown.ShutdownHTTPServer(httpServer))

	return &API{
		logger:        logger,
		httpServer:    httpServer,
		metricsServer: metricsServer,
		shutdownMgr:   shutdownMgr,
	}, nil
}

// Run запускает API сервис и блокируется до получения сигнала shutdown
func (a *API) Run() error {
	defer platformlogging.Sync(a.logger)

	a.logger.Info("Starting payment API service")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	a.logger.Info("HTTP server listening", zap.String("addr", a.httpServer.Addr))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	a.logger.Info("Metrics server listening", zap.String("addr", a.metricsServer.Addr))

	a.shutdownMgr.Wait()

	a.wg.Wait()
	a.logger.Info("Payment API service stopped")
	return nil
}
