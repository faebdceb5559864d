package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fiscal-sync/internal/models"
)

// Reservation is the limiter's answer: how long the caller must wait
// before sending, and why.
type Reservation struct {
	Delay  time.Duration
	Reason string
}

// Reservation reasons.
const (
	ReasonMinuteCap   = "minute_cap"
	ReasonDailyCap    = "daily_cap"
	ReasonUnavailable = "rate_limit_unavailable"
)

// Hardcoded per-scope fallbacks, applied whenever no explicit policy row
// matches a scope.
var defaultPolicies = map[string]models.RateLimitPolicy{
	models.ScopeGlobal:   {Scope: models.ScopeGlobal, MaxPerMinute: 60, MinDelayMs: 500, MaxDelayMs: 2000},
	models.ScopeInstance: {Scope: models.ScopeInstance, MaxPerMinute: 30, MinDelayMs: 1000, MaxDelayMs: 3000},
	models.ScopeTenant:   {Scope: models.ScopeTenant, MaxPerMinute: 20, MinDelayMs: 1000, MaxDelayMs: 5000},
	models.ScopeContact:  {Scope: models.ScopeContact, MaxPerMinute: 3, MinDelayMs: 2000, MaxDelayMs: 8000},
}

// PolicySource loads explicit policy rows and per-tenant daily caps.
type PolicySource interface {
	ListPolicies(ctx context.Context) ([]models.RateLimitPolicy, error)
	DailyCap(ctx context.Context, tenantID string) (int, bool, error)
}

// Limiter computes send-permission delays across four nested scopes plus
// a per-tenant daily cap, backed by Redis counters.
type Limiter struct {
	client   *redis.Client
	policies PolicySource
	log      zerolog.Logger

	enabled      bool
	cacheTTL     time.Duration
	dailyDefault int
	dailyDelay   time.Duration

	mu       sync.Mutex
	cached   []models.RateLimitPolicy
	cachedAt time.Time

	// now is injectable for tests.
	now func() time.Time
}

// Options configure the limiter.
type Options struct {
	Enabled      bool
	CacheTTL     time.Duration
	DailyDefault int
	DailyDelay   time.Duration
}

func New(client *redis.Client, policies PolicySource, opts Options, log zerolog.Logger) *Limiter {
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 5 * time.Second
	}
	if opts.DailyDelay == 0 {
		opts.DailyDelay = 10 * time.Minute
	}
	return &Limiter{
		client:       client,
		policies:     policies,
		log:          log,
		enabled:      opts.Enabled,
		cacheTTL:     opts.CacheTTL,
		dailyDefault: opts.DailyDefault,
		dailyDelay:   opts.DailyDelay,
		now:          time.Now,
	}
}

// ReserveSlot computes the delay an outbound message must respect. The
// backing store being unavailable fails open: outbound availability wins
// over strict enforcement.
func (l *Limiter) ReserveSlot(ctx context.Context, tenantID, instance, contact string) Reservation {
	if !l.enabled {
		return Reservation{}
	}

	pols, err := l.effectivePolicies(ctx, tenantID, instance)
	if err != nil {
		l.log.Warn().Err(err).Msg("load rate-limit policies, failing open")
		return Reservation{Reason: ReasonUnavailable}
	}

	now := l.now()
	bucket := now.Unix() / 60
	scopes := []struct {
		name string
		key  string
	}{
		{models.ScopeGlobal, "global"},
		{models.ScopeInstance, "inst:" + instance},
		{models.ScopeTenant, "tenant:" + tenantID},
		{models.ScopeContact, "contact:" + contact},
	}

	var maxBlock time.Duration
	var jitterMin, jitterMax int
	blocked := false
	for _, sc := range scopes {
		pol := pols[sc.name]
		if pol.MinDelayMs > jitterMin {
			jitterMin = pol.MinDelayMs
		}
		if pol.MaxDelayMs > jitterMax {
			jitterMax = pol.MaxDelayMs
		}

		key := fmt.Sprintf("rl:min:%s:%d", sc.key, bucket)
		count, ttl, err := l.bumpMinute(ctx, key)
		if err != nil {
			l.log.Warn().Err(err).Str("scope", sc.name).Msg("rate-limit counter unavailable, failing open")
			return Reservation{Reason: ReasonUnavailable}
		}
		if pol.MaxPerMinute > 0 && count > int64(pol.MaxPerMinute) {
			blocked = true
			if ttl > maxBlock {
				maxBlock = ttl
			}
		}
	}

	// The daily cap overrides any minute-scope verdict.
	capped, err := l.dailyCapReached(ctx, tenantID, now)
	if err != nil {
		l.log.Warn().Err(err).Msg("daily cap check unavailable, failing open")
		return Reservation{Reason: ReasonUnavailable}
	}
	if capped {
		return Reservation{Delay: l.dailyDelay, Reason: ReasonDailyCap}
	}

	if !blocked {
		return Reservation{}
	}
	jitter := time.Duration(jitterMin) * time.Millisecond
	if jitterMax > jitterMin {
		jitter += time.Duration(rand.Int63n(int64(jitterMax-jitterMin))) * time.Millisecond
	}
	return Reservation{Delay: maxBlock + jitter, Reason: ReasonMinuteCap}
}

// MarkSent increments the tenant's daily counter after a confirmed send.
// Failures here must never affect the send outcome.
func (l *Limiter) MarkSent(ctx context.Context, tenantID string) {
	if !l.enabled {
		return
	}
	key := l.dayKey(tenantID, l.now())
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Msg("record daily send counter")
		return
	}
	if count == 1 {
		l.client.Expire(ctx, key, 30*time.Hour)
	}
}

// bumpMinute increments a per-minute counter, setting the window expiry on
// first increment, and reports the count and remaining window.
func (l *Limiter) bumpMinute(ctx context.Context, key string) (int64, time.Duration, error) {
	res, err := minuteScript.Run(ctx, l.client, []string{key}).Result()
	if err != nil {
		return 0, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return 0, 0, fmt.Errorf("unexpected reply from minute script: %T", res)
	}
	count, _ := arr[0].(int64)
	ttlMs, _ := arr[1].(int64)
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

func (l *Limiter) dailyCapReached(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	cap := l.dailyDefault
	if override, ok, err := l.policies.DailyCap(ctx, tenantID); err != nil {
		return false, err
	} else if ok {
		cap = override
	}
	if cap <= 0 {
		// Zero/negative disables the cap for this tenant.
		return false, nil
	}

	count, err := l.client.Get(ctx, l.dayKey(tenantID, now)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return count >= int64(cap), nil
}

func (l *Limiter) dayKey(tenantID string, now time.Time) string {
	return fmt.Sprintf("rl:day:%s:%s", tenantID, now.UTC().Format("20060102"))
}

// effectivePolicies resolves the four scope policies: an explicit row
// pinned to the tenant/instance wins, then an unpinned row for the scope,
// then the hardcoded default. The row set is cached briefly to bound
// backing-store load.
func (l *Limiter) effectivePolicies(ctx context.Context, tenantID, instance string) (map[string]models.RateLimitPolicy, error) {
	rows, err := l.cachedPolicies(ctx)
	if err != nil {
		return nil, err
	}

	refs := map[string]string{
		models.ScopeGlobal:   "",
		models.ScopeInstance: instance,
		models.ScopeTenant:   tenantID,
		models.ScopeContact:  "",
	}

	out := make(map[string]models.RateLimitPolicy, 4)
	for scope, ref := range refs {
		pol := defaultPolicies[scope]
		var unpinned *models.RateLimitPolicy
		for i := range rows {
			row := rows[i]
			if row.Scope != scope {
				continue
			}
			if ref != "" && row.ScopeRef == ref {
				pol = row
				unpinned = nil
				break
			}
			if row.ScopeRef == "" {
				unpinned = &rows[i]
			}
		}
		if unpinned != nil {
			pol = *unpinned
		}
		out[scope] = pol
	}
	return out, nil
}

func (l *Limiter) cachedPolicies(ctx context.Context) ([]models.RateLimitPolicy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cached != nil && l.now().Sub(l.cachedAt) < l.cacheTTL {
		return l.cached, nil
	}
	rows, err := l.policies.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	l.cached = rows
	l.cachedAt = l.now()
	return rows, nil
}

var minuteScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], 65000)
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)
