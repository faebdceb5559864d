package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"fiscal-sync/internal/archive"
	"fiscal-sync/internal/config"
	"fiscal-sync/internal/dispatch"
	"fiscal-sync/internal/distfe"
	"fiscal-sync/internal/logging"
	"fiscal-sync/internal/queue"
	"fiscal-sync/internal/ratelimit"
	"fiscal-sync/internal/store"
	"fiscal-sync/internal/syncer"
	"fiscal-sync/internal/telemetry"
)

// notifier adapts the dispatch engine to the orchestrator's surface.
type notifier struct {
	engine *dispatch.Engine
}

func (n notifier) Enqueue(ctx context.Context, tenantID, target, instance, text string) (string, error) {
	return n.engine.Enqueue(ctx, dispatch.EnqueueParams{
		TenantID: tenantID,
		Target:   target,
		Instance: instance,
		Text:     text,
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.Init("worker", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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
	runner := dispatch.NewRunner(cfg, q, engine, log)

	arc, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init archive")
	}

	client := &distfe.Client{
		ServiceURL:  cfg.ServiceURL,
		Environment: cfg.Environment,
		FallbackUF:  cfg.FallbackUF,
		MaxBatches:  cfg.MaxBatchesPerRun,
		Timeout:     cfg.RequestTimeout,
		Log:         log,
	}
	importer := syncer.NewHTTPImporter(cfg.ImporterURL, cfg.RequestTimeout)
	orch := syncer.New(cfg, st, client, importer, arc, notifier{engine}, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	go func() {
		if err := orch.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("sync scheduler stopped")
		}
	}()
	go func() {
		if err := orch.RunDigests(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("digest scheduler stopped")
		}
	}()

	log.Info().
		Dur("sync_tick", cfg.SyncTick).
		Dur("visibility", cfg.VisibilityTimeout).
		Msg("worker started")
	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
	}
}
