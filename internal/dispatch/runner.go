package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fiscal-sync/internal/config"
	"fiscal-sync/internal/queue"
	"fiscal-sync/internal/telemetry"
)

// Runner pulls dispatch ids from the Redis queue and drives the engine.
type Runner struct {
	cfg    config.Config
	queue  *queue.RedisQueue
	engine *Engine
	log    zerolog.Logger
}

func NewRunner(cfg config.Config, q *queue.RedisQueue, e *Engine, log zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, queue: q, engine: e, log: log}
}

// Run starts the worker loop until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = r.queue.PromoteScheduled(ctx, time.Now(), int64(r.cfg.ScheduledBatchSize))
		if reclaimed, _ := r.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.DispatchesInFlight.Sub(float64(len(reclaimed)))
		}
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		id, err := r.queue.DequeueWithLease(ctx)
		if err != nil || id == "" {
			time.Sleep(r.cfg.WorkerPollInterval)
			continue
		}

		telemetry.DispatchesInFlight.Inc()
		if err := r.engine.Process(ctx, id); err != nil {
			r.log.Error().Str("dispatch", id).Err(err).Msg("process dispatch")
		}
		_ = r.queue.Ack(ctx, id)
		telemetry.DispatchesInFlight.Dec()
	}
}
