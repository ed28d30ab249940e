package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"notifications/internal/config"
	"notifications/internal/delivery"
	"notifications/internal/domain"
	amqp_handler "notifications/internal/handler/amqp"
	http_ledger "notifications/internal/handler/http/ledger"
	"notifications/internal/infrastructure/database"
	kafka_infra "notifications/internal/infrastructure/kafka"
	"notifications/internal/infrastructure/rabbitmq"
	"notifications/internal/outbox"
	postgres_attempt_repo "notifications/internal/repository/attempt_repo/postgres"
	postgres_message_repo "notifications/internal/repository/message_repo/postgres"
	postgres_outbox_repo "notifications/internal/repository/outbox_repo/postgres"
	postgres_template_repo "notifications/internal/repository/template_repo/postgres"
	"notifications/internal/sender"
	"notifications/internal/template"
)

var channels = []domain.Channel{domain.ChannelEmail, domain.ChannelSMS}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger.Info("Notification Service starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbConfig := database.DBConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.Name,
		SSLMode:  cfg.DBConfig.SSLMode,
	}

	appLogger.Info("Waiting for database to be available...")
	db, err := database.ConnectWithRetry(dbConfig, 10, 5*time.Second, appLogger)
	if err != nil {
		appLogger.Fatal("Could not connect to database. Exiting.", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		} else {
			appLogger.Info("Database connection closed.")
		}
	}()

	appLogger.Info("Running database migrations...")
	if err := database.Migrate(cfg.MigrationsPath, dbConfig, appLogger); err != nil {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		appLogger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer conn.Close()

	channelNames := make([]string, 0, len(channels))
	for _, c := range channels {
		channelNames = append(channelNames, string(c))
	}
	topology := rabbitmq.NewTopologyConfig(cfg.RabbitMQExchange, channelNames, cfg.RetryTierDelays)

	topologyCh, err := conn.Channel()
	if err != nil {
		appLogger.Fatal("Failed to open RabbitMQ channel", zap.Error(err))
	}
	if err := rabbitmq.DeclareTopology(topologyCh, topology); err != nil {
		appLogger.Fatal("Failed to declare RabbitMQ topology", zap.Error(err))
	}
	topologyCh.Close()
	appLogger.Info("RabbitMQ topology declared",
		zap.String("exchange", topology.PrimaryExchange),
		zap.Int("retry_tiers", topology.Tiers()))

	relayPublisher := newConfirmPublisher(conn, appLogger)
	retryPublisher := newConfirmPublisher(conn, appLogger)

	var stream delivery.StatusStream = delivery.NoopStatusStream{}
	if brokers := cfg.GetKafkaBrokers(); len(brokers) > 0 {
		if err := kafka_infra.EnsureTopics(ctx, brokers, []string{cfg.KafkaDeliveryEventsTopic}, appLogger); err != nil {
			appLogger.Warn("Failed to ensure Kafka topics", zap.Error(err))
		}
		kafkaProducer := kafka_infra.NewProducer(brokers, cfg.KafkaDeliveryEventsTopic, appLogger)
		defer func() {
			if err := kafkaProducer.Close(); err != nil {
				appLogger.Error("Error closing Kafka producer", zap.Error(err))
			} else {
				appLogger.Info("Kafka producer closed.")
			}
		}()
		stream = delivery.NewKafkaStatusStream(kafkaProducer)
		appLogger.Info("Delivery status stream enabled", zap.String("topic", cfg.KafkaDeliveryEventsTopic))
	}

	clock := clockwork.NewRealClock()
	txRunner := database.NewTxRunner(db)
	outboxRepository := postgres_outbox_repo.NewOutboxRepository()
	messageRepository := postgres_message_repo.NewMessageRepository()
	attemptRepository := postgres_attempt_repo.NewAttemptRepository()
	templateRepository := postgres_template_repo.NewTemplateRepository()

	breakerCfg := sender.BreakerConfig{
		ConsecutiveFailures: uint32(cfg.SenderBreakerFailures),
		Timeout:             cfg.SenderBreakerTimeout,
	}
	senders := make(map[domain.Channel]sender.Sender, len(channels))
	for _, c := range channels {
		logSender := sender.NewLogSender(appLogger.With(zap.String("channel", string(c))))
		senders[c] = sender.WithCircuitBreaker(string(c), logSender, breakerCfg, appLogger)
	}

	deliveryService := delivery.NewService(
		db,
		txRunner,
		messageRepository,
		attemptRepository,
		template.NewRenderer(templateRepository, db, cfg.SmsMaxLength),
		senders,
		stream,
		clock,
		delivery.Config{
			SendTimeout:          cfg.SendTimeout,
			ProcessingStaleAfter: cfg.ProcessingStaleAfter,
			MaxAttempts:          topology.Tiers(),
			DedupeWindow:         cfg.OutboxDedupeWindow,
		},
		appLogger.With(zap.String("component", "DeliveryService")),
	)

	processor := outbox.NewProcessor(
		txRunner,
		outboxRepository,
		rabbitmq.NewEventPublisher(relayPublisher, topology.PrimaryExchange),
		clock,
		outbox.Config{
			PollInterval:       cfg.OutboxPollInterval,
			PollTimeout:        cfg.OutboxPollTimeout,
			BatchSize:          cfg.OutboxBatchSize,
			MaxPublishAttempts: cfg.OutboxMaxPublishAttempts,
			MaxGeneration:      cfg.OutboxMaxGeneration,
			RetryBaseDelay:     cfg.OutboxRetryBaseDelay,
			RetryMaxDelay:      cfg.OutboxRetryMaxDelay,
		},
		appLogger.With(zap.String("component", "OutboxProcessor")),
	)
	if err := processor.Start(ctx); err != nil {
		appLogger.Fatal("Failed to start outbox processor", zap.Error(err))
	}
	appLogger.Info("Transactional Outbox relay started.")

	var wg sync.WaitGroup

	cleaner := outbox.NewCleaner(db, outboxRepository, clock, outbox.CleanupConfig{
		Interval:  cfg.OutboxCleanupInterval,
		Retention: cfg.OutboxRetention,
		Expiry:    cfg.OutboxExpiry,
	}, appLogger.With(zap.String("component", "OutboxCleaner")))
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleaner.Run(ctx)
	}()

	notificationConsumer := amqp_handler.NewNotificationConsumer(deliveryService, appLogger.With(zap.String("component", "NotificationConsumer")))
	for _, c := range channelNames {
		queues := []struct {
			queue   string
			handler rabbitmq.Handler
		}{
			{rabbitmq.PrimaryQueue(c), notificationConsumer.HandleMessage},
			{rabbitmq.DLQName(c), notificationConsumer.HandleDeadLetter},
		}
		for _, q := range queues {
			ch, err := conn.Channel()
			if err != nil {
				appLogger.Fatal("Failed to open RabbitMQ channel", zap.String("queue", q.queue), zap.Error(err))
			}
			consumer := rabbitmq.NewConsumer(ch, retryPublisher, topology, rabbitmq.ConsumerConfig{
				Channel:     c,
				Queue:       q.queue,
				Tag:         "notifications-" + q.queue,
				Prefetch:    cfg.RabbitMQPrefetch,
				Concurrency: cfg.ConsumerConcurrency,
			}, q.handler, appLogger)

			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					appLogger.Error("RabbitMQ consumer stopped", zap.String("queue", queue), zap.Error(err))
					stop()
				}
			}(q.queue)
			appLogger.Info("RabbitMQ consumer started", zap.String("queue", q.queue))
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	http_ledger.RegisterRoutes(r, delivery.NewLedger(db, messageRepository, attemptRepository), appLogger)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	appLogger.Info("Notification Service started", zap.String("address", cfg.HTTPAddr))

	<-ctx.Done()

	appLogger.Info("Shutting down Notification Service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	}
	processor.Stop()
	wg.Wait()
	appLogger.Info("Notification Service stopped.")
}

func newConfirmPublisher(conn *amqp.Connection, logger *zap.Logger) *rabbitmq.Publisher {
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open RabbitMQ channel", zap.Error(err))
	}
	publisher, err := rabbitmq.NewPublisher(ch, 0, logger)
	if err != nil {
		logger.Fatal("Failed to create RabbitMQ publisher", zap.Error(err))
	}
	return publisher
}
