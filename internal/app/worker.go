package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/alert"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/config"
	eventkafka "github.com/johnleylorvil/psychic-octo-invention-sub001/internal/event/kafka"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/metrics"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/repository/postgres"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/service"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/task"
	platformlogging "github.com/johnleylorvil/psychic-octo-invention-sub001/platform/logging"
	platformshutdown "github.com/johnleylorvil/psychic-octo-invention-sub001/platform/shutdown"
)

// Worker содержит все зависимости фонового воркера платежей
type Worker struct {
	logger        *zap.Logger
	taskServer    *asynq.Server
	mux           *asynq.ServeMux
	scheduler     *asynq.Scheduler
	metricsServer *http.Server
	shutdownMgr   *platformshutdown.Manager
	wg            sync.WaitGroup
}

// BuildWorker создаёт и настраивает все зависимости воркера.
// Воркер разбирает очередь платёжных webhook-ов и выполняет
// периодические задачи: чистку корзин и мониторинг зависших платежей.
func BuildWorker(cfg config.Config) (*Worker, error) {
	const op = "app.BuildWorker"

	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "payment-worker",
		Env:         string(cfg.AppEnv),
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
	})
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("op", op))
	logger.Info("Building payment worker",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
		zap.String("payment_topic", cfg.PaymentCompletedTopic))

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

	// Накатываем миграции. Только воркер их запускает:
	// API стартует с готовой схемой.
	if err := postgres.Migrate(context.Background(), cfg.PostgresDSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("Database migrations applied")

	// Алертер для эскалации администраторам
	var alerter service.AdminAlerter
	if cfg.TelegramEnabled {
		alerter = alert.NewTelegramAlerter(logger, cfg.TelegramBotToken, cfg.TelegramChatID)
		logger.Info("Telegram alerter enabled", zap.String("chat_id", cfg.TelegramChatID))
	} else {
		alerter = alert.NewNoOpAlerter(logger)
		logger.Warn("Telegram disabled, admin alerts go to the error log")
	}

	// Kafka publisher для событий payment.completed
	publisher := eventkafka.NewPaymentCompletedPublisher(cfg.KafkaBrokers, cfg.PaymentCompletedTopic, logger)

	repo := postgres.NewRepository(pool)
	processor := service.NewWebhookProcessor(repo, publisher, logger)
	sweeper := service.NewSweeper(repo, repo, alerter, service.SweeperConfig{
		CartBatchSize:    cfg.CartCleanupBatchSize,
		StuckPaymentAge:  cfg.StuckPaymentAge,
		StuckReportLimit: cfg.StuckReportLimit,
	}, logger)

	webhookHandler := task.NewWebhookHandler(processor, repo, alerter, logger)
	sweepHandler := task.NewSweepHandler(sweeper, logger)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	taskServer := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    cfg.WorkerConcurrency,
		Queues:         task.Queues(),
		RetryDelayFunc: task.RetryDelay,
		Logger:         task.NewAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(task.TypePaymentWebhook, webhookHandler.ProcessTask)
	mux.HandleFunc(task.TypeCleanupExpiredCarts, sweepHandler.HandleCleanupExpiredCarts)
	mux.HandleFunc(task.TypeMonitorStuckPayments, sweepHandler.HandleMonitorStuckPayments)

	// Периодические задачи ставит scheduler; повторы настроены в самих задачах
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger: task.NewAsynqLogger(logger),
	})
	if _, err := scheduler.Register(task.CleanupExpiredCartsSchedule, task.NewCleanupExpiredCartsTask()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("register cart cleanup schedule: %w", err)
	}
	if _, err := scheduler.Register(task.MonitorStuckPaymentsSchedule, task.NewMonitorStuckPaymentsTask()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("register stuck payment monitor schedule: %w", err)
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}

	// Shutdown в обратном порядке: сначала scheduler и task server
	// перестают брать работу, затем закрываются клиенты и пул
	shutdownMgr := platformshutdown.New(cfg.ShutdownTimeout, logger)
	shutdownMgr.Add("postgres_pool", platformshutdown.ClosePool(pool))
	shutdownMgr.Add("kafka_publisher", platformshutdown.CloseClient(publisher))
	shutdownMgr.Add("metrics_server", platformshutdown.ShutdownHTTPServer(metricsServer))
	shutdownMgr.Add("task_server", platformshutdown.StopTaskServer(taskServer))
	shutdownMgr.Add("scheduler", platformshutdown.StopScheduler(scheduler))

	return &Worker{
		logger:        logger,
		taskServer:    taskServer,
		mux:           mux,
		scheduler:     scheduler,
		metricsServer: metricsServer,
		shutdownMgr:   shutdownMgr,
	}, nil
}

// Run запускает воркер и блокируется до получения сигнала shutdown
func (w *Worker) Run() error {
	defer platformlogging.Sync(w.logger)

	w.logger.Info("Starting payment worker")

	if err := w.taskServer.Start(w.mux); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}
	w.logger.Info("Task server started")

	if err := w.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	w.logger.Info("Scheduler started")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	w.logger.Info("Metrics server listening", zap.String("addr", w.metricsServer.Addr))

	w.shutdownMgr.Wait()

	w.wg.Wait()
	w.logger.Info("Payment worker stopped")
	return nil
}
