package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/config"
	"github.com/example/notification-dispatcher/internal/dispatch"
	"github.com/example/notification-dispatcher/internal/httpapi"
	"github.com/example/notification-dispatcher/internal/kafka/consumer"
	"github.com/example/notification-dispatcher/internal/kafka/producer"
	kafkapublisher "github.com/example/notification-dispatcher/internal/kafka/publisher"
	"github.com/example/notification-dispatcher/internal/logger"
	"github.com/example/notification-dispatcher/internal/tracking"
	"github.com/example/notification-dispatcher/internal/transport/factory"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := logger.Component(*baseLogger, "dispatcher")

	primary, mode, err := factory.Primary(*cfg, logger.Component(*baseLogger, "primary-transport"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise primary transport")
	}
	fallback, err := factory.Fallback(*cfg, mode, logger.Component(*baseLogger, "fallback-transport"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise fallback transport")
	}

	repo, closeRepo, err := trackingRepository(ctx, cfg.Tracking)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise tracking store")
	}
	defer closeRepo()

	var prod *producer.Producer
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.StatusTopic != "" {
		prod, err = producer.New(cfg.Kafka.Brokers, logger.Component(*baseLogger, "kafka-producer"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka producer")
		}
		defer func() {
			if err := prod.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()
		statusPublisher := kafkapublisher.NewStatusPublisher(prod, cfg.Kafka.StatusTopic, logger.Component(*baseLogger, "status-publisher"))
		repo = tracking.NewObserved(repo, statusPublisher.OnChange)
	}

	svc, err := dispatch.New(dispatch.Config{
		UseQueue:       cfg.Dispatch.UseQueue,
		UseFallback:    cfg.Fallback.FallbackEnabled(),
		MaxRetries:     cfg.Dispatch.MaxRetries,
		BaseRetryDelay: cfg.Dispatch.BaseRetryDelay(),
		BatchSize:      cfg.Dispatch.BatchSize,
		BatchDelay:     cfg.Dispatch.BatchDelay(),
		QueueItemDelay: cfg.Dispatch.QueueItemDelay(),
		SendTimeout:    cfg.Dispatch.SendTimeout(),
		From:           cfg.Email.From,
		ReplyTo:        cfg.Email.ReplyTo,
	}, dispatch.Dependencies{
		Primary:    primary,
		Fallback:   fallback,
		Mode:       mode,
		Repository: repo,
		Logger:     logger.Component(*baseLogger, "dispatch"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise dispatch service")
	}

	api := httpapi.New(svc, httpapi.Options{
		RetentionDays: cfg.Tracking.RetentionDays,
		RateLimit: httpapi.RateLimitConfig{
			Rate:  cfg.Admin.RateLimitRPS,
			Burst: cfg.Admin.RateLimitBurst,
		},
		Logger: logger.Component(*baseLogger, "httpapi"),
	})
	defer api.Close()

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.App.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.Kafka.RequestTopic != "" {
		cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.RequestTopic, logger.Component(*baseLogger, "kafka-consumer"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka consumer")
		}
		defer func() {
			if err := cons.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka consumer")
			}
		}()
		handler := dispatch.KafkaHandler(svc, cons, logger.Component(*baseLogger, "kafka-intake"))
		go func() {
			if err := cons.Run(ctx, handler); err != nil {
				errCh <- err
			}
		}()
	}

	log.Info().
		Int("port", cfg.App.Port).
		Str("mode", mode.String()).
		Str("primary", primary.Name()).
		Bool("fallback", fallback != nil).
		Bool("queue", cfg.Dispatch.UseQueue).
		Str("tracking", cfg.Tracking.Backend).
		Str("request_topic", cfg.Kafka.RequestTopic).
		Str("status_topic", cfg.Kafka.StatusTopic).
		Msg("dispatcher started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("dispatcher terminated with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := svc.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("dispatch queue did not drain before shutdown")
	}
}

func trackingRepository(ctx context.Context, cfg config.TrackingConfig) (tracking.Repository, func(), error) {
	if cfg.Backend != "redis" {
		return tracking.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	store, err := tracking.NewRedisStore(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("dispatcher init failed")
}
