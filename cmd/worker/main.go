package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pawcare/portal/internal/ai"
	"github.com/pawcare/portal/internal/chat"
	"github.com/pawcare/portal/internal/config"
	"github.com/pawcare/portal/internal/db"
	"github.com/pawcare/portal/internal/logging"
	"github.com/pawcare/portal/internal/media"
	"github.com/pawcare/portal/internal/store/rabbitmq"
	"github.com/pawcare/portal/internal/store/redisstore"
	"github.com/pawcare/portal/internal/users"
	"github.com/pawcare/portal/internal/worker"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	return n
}

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	gdb := db.Connect(cfg.DBDSN, append(chat.Models(), &users.User{}, &media.Media{})...)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit publisher")
	}
	defer rabbit.Close()

	ms := media.NewStore(gdb, cfg.MediaDir, cfg.JWTSecret, cfg.MediaURLTTL, int64(cfg.MaxUploadMB)<<20)

	// Provider registry (route by session.Provider + session.Model)
	reg := ai.DefaultRegistry(ai.Settings{
		OllamaBaseURL:     cfg.OllamaBaseURL,
		OllamaModel:       cfg.OllamaModel,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterModel:   cfg.OpenRouterModel,
		OpenRouterSiteURL: cfg.OpenRouterSiteURL,
		OpenRouterAppName: cfg.OpenRouterAppName,
	})

	svc := chat.NewService(chat.NewRepo(gdb), reg, cfg.ChatContextWindowSize,
		chat.WithPublisher(redisstore.NewBus(rds.Client, cfg.EventsChannel)),
		chat.WithQueue(rabbit),
		chat.WithAssetProber(ms),
		chat.WithDefaultProvider(cfg.AIProvider),
	)

	pool := worker.New(svc,
		worker.WithConcurrency(workerConcurrency()),
		worker.WithRetry(rabbit, 3, 2*time.Second),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", pool.Concurrency()).Msg("worker started")

	// reconnect when the broker drops the consumer connection
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(eb, ctx)
	for ctx.Err() == nil {
		err := consume(ctx, cfg, pool)
		if err == nil || ctx.Err() != nil {
			break
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		log.Warn().Err(err).Dur("retry_in", wait).Msg("consumer stopped")
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	log.Info().Msg("worker shutting down")
}

func consume(ctx context.Context, cfg config.Config, pool *worker.Pool) error {
	c, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, pool.Concurrency())
	if err != nil {
		return err
	}
	defer c.Close()

	closed := c.Closed()
	deliveries, err := c.Deliveries()
	if err != nil {
		return errors.Wrap(err, "consume")
	}
	err = pool.Run(ctx, deliveries)
	if errors.Is(err, worker.ErrDeliveriesClosed) {
		if reason := rabbitmq.CloseReason(closed, time.Second); reason != nil {
			return reason
		}
		return err
	}
	return nil
}
