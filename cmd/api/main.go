package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	apiserver "fiscal-sync/internal/api"
	"fiscal-sync/internal/config"
	"fiscal-sync/internal/dispatch"
	"fiscal-sync/internal/logging"
	"fiscal-sync/internal/queue"
	"fiscal-sync/internal/ratelimit"
	"fiscal-sync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.Init("api", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(cfg)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.New(rdb, st, ratelimit.Options{
		Enabled:      cfg.RateLimitEnabled,
		CacheTTL:     cfg.RateLimitCacheTTL,
		DailyDefault: cfg.DailyCapDefault,
		DailyDelay:   cfg.DailyCapDelay,
	}, log)

	provider := dispatch.NewHTTPProvider(cfg.ProviderURL, cfg.RequestTimeout)
	engine := dispatch.NewEngine(st, provider, limiter, q, dispatch.Options{
		MaxAttempts: cfg.DispatchMaxAttempts,
		BackoffBase: cfg.DispatchBackoffBase,
		BackoffMax:  cfg.DispatchBackoffMax,
	}, log)

	server := apiserver.New(cfg, st, q, engine)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
