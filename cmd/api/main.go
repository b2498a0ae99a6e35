package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pawcare/portal/internal/ai"
	"github.com/pawcare/portal/internal/chat"
	"github.com/pawcare/portal/internal/config"
	"github.com/pawcare/portal/internal/db"
	"github.com/pawcare/portal/internal/httpapi"
	"github.com/pawcare/portal/internal/httpapi/handlers"
	"github.com/pawcare/portal/internal/logging"
	"github.com/pawcare/portal/internal/media"
	"github.com/pawcare/portal/internal/realtime"
	"github.com/pawcare/portal/internal/store/rabbitmq"
	"github.com/pawcare/portal/internal/store/redisstore"
	"github.com/pawcare/portal/internal/users"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	gdb := db.Connect(cfg.DBDSN, append(chat.Models(), &users.User{}, &media.Media{})...)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
	}
	cancelPing()
	bus := redisstore.NewBus(rds.Client, cfg.EventsChannel)

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit publisher")
	}
	defer rabbit.Close()

	ms := media.NewStore(gdb, cfg.MediaDir, cfg.JWTSecret, cfg.MediaURLTTL, int64(cfg.MaxUploadMB)<<20)
	chatSvc := chat.NewService(chat.NewRepo(gdb), ai.DefaultRegistry(aiSettings(cfg)), cfg.ChatContextWindowSize,
		chat.WithPublisher(bus),
		chat.WithQueue(rabbit),
		chat.WithAssetProber(ms),
		chat.WithDefaultProvider(cfg.AIProvider),
	)
	us := users.NewService(gdb, rds, users.LogMailer{Log: logging.Component("mail")}, cfg.OTPTTL)

	hub := realtime.NewHub(cfg.JWTSecret, chatSvc, bus, realtime.WithPingPeriod(cfg.WSPingPeriod))
	h := handlers.NewHandler(cfg, us, chatSvc, ms)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg, h, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := hub.Run(gctx, bus)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("api stopped")
		os.Exit(1)
	}
	log.Info().Msg("api stopped")
}

func aiSettings(cfg config.Config) ai.Settings {
	return ai.Settings{
		OllamaBaseURL:     cfg.OllamaBaseURL,
		OllamaModel:       cfg.OllamaModel,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterModel:   cfg.OpenRouterModel,
		OpenRouterSiteURL: cfg.OpenRouterSiteURL,
		OpenRouterAppName: cfg.OpenRouterAppName,
	}
}
