package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fiscal-sync/internal/models"
	"fiscal-sync/internal/ratelimit"
	"fiscal-sync/internal/store"
	"fiscal-sync/internal/telemetry"
)

// Provider delivers one outbound message. Empty instance means the
// default channel.
type Provider interface {
	Send(ctx context.Context, target, text, instance string) error
}

// Limiter gates sends and records confirmed ones.
type Limiter interface {
	ReserveSlot(ctx context.Context, tenantID, instance, contact string) ratelimit.Reservation
	MarkSent(ctx context.Context, tenantID string)
}

// Queue hands claimed work to the distributed worker pool. Nil queue
// means dispatches are processed inline with enqueue.
type Queue interface {
	Enqueue(ctx context.Context, dispatchID string, runAt time.Time) error
	DLQPush(ctx context.Context, dispatchID string) error
}

// Storage is the persistence surface the engine drives.
type Storage interface {
	CreateDispatch(ctx context.Context, p store.CreateDispatchParams) (models.DispatchRecord, error)
	GetDispatch(ctx context.Context, id string) (models.DispatchRecord, error)
	ClaimDispatch(ctx context.Context, id string) (bool, error)
	DeferDispatch(ctx context.Context, id string, nextAt time.Time, reason string) error
	SetDispatchAttempts(ctx context.Context, id string, attempts int) error
	MarkDispatchSent(ctx context.Context, id string) error
	RetryDispatch(ctx context.Context, id string, nextAt time.Time, code, msg string) error
	MarkDispatchDead(ctx context.Context, id string, code, msg string) error
	MarkLogProcessed(ctx context.Context, id string) error
	MarkLogFailed(ctx context.Context, id string) error
}

// Options tune retry behavior.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Engine owns the dispatch record lifecycle: claim, rate-gate, send,
// retry, dead-letter.
type Engine struct {
	store    Storage
	provider Provider
	limiter  Limiter
	queue    Queue
	opts     Options
	log      zerolog.Logger

	// now is injectable for tests.
	now func() time.Time
}

func NewEngine(st Storage, p Provider, l Limiter, q Queue, opts Options, log zerolog.Logger) *Engine {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = time.Hour
	}
	return &Engine{store: st, provider: p, limiter: l, queue: q, opts: opts, log: log, now: time.Now}
}

// EnqueueParams describe one outbound message.
type EnqueueParams struct {
	TenantID    string
	Target      string
	Instance    string
	OriginLogID string
	Text        string
}

// Enqueue creates a queued dispatch record and either hands the id to the
// distributed queue or processes it inline immediately.
func (e *Engine) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	rec, err := e.store.CreateDispatch(ctx, store.CreateDispatchParams{
		TenantID:    p.TenantID,
		Target:      p.Target,
		Instance:    p.Instance,
		OriginLogID: p.OriginLogID,
		Text:        p.Text,
		MaxAttempts: e.opts.MaxAttempts,
	})
	if err != nil {
		return "", err
	}
	telemetry.DispatchesEnqueued.Inc()

	if e.queue != nil {
		if err := e.queue.Enqueue(ctx, rec.ID, rec.NextAttemptAt); err != nil {
			return rec.ID, fmt.Errorf("hand dispatch to queue: %w", err)
		}
		return rec.ID, nil
	}
	return rec.ID, e.Process(ctx, rec.ID)
}

// Process drives one dispatch through a single attempt. Idempotent on
// terminal states and safe under concurrent duplicate triggers: the
// conditional claim admits exactly one worker.
func (e *Engine) Process(ctx context.Context, id string) error {
	rec, err := e.store.GetDispatch(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == models.DispatchSent || rec.Status == models.DispatchDead {
		return nil
	}

	claimed, err := e.store.ClaimDispatch(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker owns it, or it finished between the read and
		// the claim.
		return nil
	}

	if rec.Target == "" || rec.Text == "" {
		// Should not happen from our own producers.
		telemetry.DispatchesDead.Inc()
		return e.store.MarkDispatchDead(ctx, id, "invalid_payload", "dispatch missing target or text")
	}

	resv := e.limiter.ReserveSlot(ctx, rec.TenantID, rec.Instance, rec.Target)
	if resv.Delay > 0 {
		// A limiter delay consumes no attempt.
		telemetry.DispatchesDeferred.Inc()
		next := e.now().Add(resv.Delay)
		if err := e.store.DeferDispatch(ctx, id, next, resv.Reason); err != nil {
			return err
		}
		if e.queue != nil {
			if err := e.queue.Enqueue(ctx, id, next); err != nil {
				return fmt.Errorf("reschedule deferred dispatch: %w", err)
			}
		}
		return nil
	}

	attempts := rec.Attempts + 1
	if err := e.store.SetDispatchAttempts(ctx, id, attempts); err != nil {
		return err
	}

	sendErr := e.provider.Send(ctx, rec.Target, rec.Text, rec.Instance)
	if sendErr == nil {
		if err := e.store.MarkDispatchSent(ctx, id); err != nil {
			return err
		}
		e.limiter.MarkSent(ctx, rec.TenantID)
		if rec.OriginLogID != nil {
			if err := e.store.MarkLogProcessed(ctx, *rec.OriginLogID); err != nil {
				e.log.Warn().Str("dispatch", id).Err(err).Msg("mark origin log processed")
			}
		}
		telemetry.DispatchesSent.Inc()
		return nil
	}

	if attempts >= rec.MaxAttempts {
		if err := e.store.MarkDispatchDead(ctx, id, "provider_error", truncate(sendErr.Error(), 500)); err != nil {
			return err
		}
		if rec.OriginLogID != nil {
			if err := e.store.MarkLogFailed(ctx, *rec.OriginLogID); err != nil {
				e.log.Warn().Str("dispatch", id).Err(err).Msg("mark origin log failed")
			}
		}
		if e.queue != nil {
			if err := e.queue.DLQPush(ctx, id); err != nil {
				e.log.Warn().Str("dispatch", id).Err(err).Msg("push to dlq")
			}
		}
		telemetry.DispatchesDead.Inc()
		e.log.Error().Str("dispatch", id).Int("attempts", attempts).Err(sendErr).Msg("dispatch dead-lettered")
		return nil
	}

	next := e.now().Add(backoff(e.opts.BackoffBase, e.opts.BackoffMax, attempts))
	if err := e.store.RetryDispatch(ctx, id, next, "provider_error", truncate(sendErr.Error(), 500)); err != nil {
		return err
	}
	if e.queue != nil {
		if err := e.queue.Enqueue(ctx, id, next); err != nil {
			return fmt.Errorf("reschedule retry: %w", err)
		}
	}
	telemetry.DispatchesRetried.Inc()
	return nil
}

// backoff triples per attempt from a fixed base, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 3
		if wait >= max {
			return max
		}
	}
	return wait
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
