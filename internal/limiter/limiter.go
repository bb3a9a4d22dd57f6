// ABOUTME: Sliding-window usage limiter gating traffic before the workflow engine
// ABOUTME: Limit config lives in SQLite; window counters are atomic Redis increments

package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrStoreUnavailable indicates the window counter could not be read or
// updated in time. The default policy is fail-closed: reject the request.
var ErrStoreUnavailable = errors.New("usage store unavailable")

const (
	keyPrefix        = "relay:usage"
	defaultOpTimeout = 2 * time.Second
)

// reserveScript atomically increments the window counter and rolls the
// increment back when it would exceed the limit, so N concurrent callers
// with N-1 remaining units admit exactly N-1.
var reserveScript = redis.NewScript(`
local used = redis.call('INCRBY', KEYS[1], ARGV[1])
if used == tonumber(ARGV[1]) then
	redis.call('EXPIRE', KEYS[1], ARGV[3])
end
if used > tonumber(ARGV[2]) then
	redis.call('DECRBY', KEYS[1], ARGV[1])
	return {1, used - tonumber(ARGV[1])}
end
return {0, used}
`)

// Status reports the effective limit and window state for one (tenant, user).
type Status struct {
	Enabled     bool
	MaxUnits    int64
	Used        int64
	Remaining   int64
	WindowStart time.Time
	WindowEnd   time.Time
	Exceeded    bool
}

// Config holds limiter defaults and failure policy.
type Config struct {
	// DefaultMaxUnits/DefaultWindowSeconds apply when neither a user-specific
	// nor a tenant-wide limit is configured. Zero means checking is disabled
	// for unconfigured tenants.
	DefaultMaxUnits      int64
	DefaultWindowSeconds int64

	// FailOpen admits traffic when the window store is unreachable.
	// Default is fail-closed.
	FailOpen bool

	// OpTimeout bounds each counter operation.
	OpTimeout time.Duration
}

// LimitSource provides the configured limits; satisfied by store.Store.
type LimitSource interface {
	GetUsageLimit(ctx context.Context, tenant, user string) (*store.UsageLimit, error)
}

// Limiter enforces sliding-window usage quotas per tenant and user.
type Limiter struct {
	limits LimitSource
	client *redis.Client
	cfg    Config
	logger *slog.Logger

	// now is injectable for window-alignment tests.
	now func() time.Time
}

// New creates a Limiter backed by the given limit source and Redis client.
func New(limits LimitSource, client *redis.Client, cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	return &Limiter{
		limits: limits,
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "limiter"),
		now:    time.Now,
	}
}

// Check reports the current window state without consuming any units.
func (l *Limiter) Check(ctx context.Context, tenant, user string) (*Status, error) {
	limit, err := l.resolveLimit(ctx, tenant, user)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		return &Status{Enabled: false}, nil
	}

	status := l.windowStatus(limit)

	opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()
	used, err := l.client.Get(opCtx, l.windowKey(tenant, user, status.WindowStart)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return l.failurePolicy(status, err)
	}

	status.Used = used
	status.Remaining = max(status.MaxUnits-used, 0)
	status.Exceeded = used >= status.MaxUnits
	return status, nil
}

// Record atomically consumes units from the current window. When the units
// would exceed the limit nothing is consumed and Exceeded is set; callers
// must reject the request before any other side effect.
func (l *Limiter) Record(ctx context.Context, tenant, user string, units int64) (*Status, error) {
	if units <= 0 {
		return nil, fmt.Errorf("units must be positive, got %d", units)
	}

	limit, err := l.resolveLimit(ctx, tenant, user)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		return &Status{Enabled: false}, nil
	}

	status := l.windowStatus(limit)
	ttl := 2 * limit.WindowSeconds

	opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()
	res, err := reserveScript.Run(opCtx, l.client,
		[]string{l.windowKey(tenant, user, status.WindowStart)},
		units, status.MaxUnits, ttl,
	).Int64Slice()
	if err != nil {
		return l.failurePolicy(status, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected reserve result: %v", res)
	}

	status.Exceeded = res[0] == 1
	status.Used = res[1]
	if status.Exceeded {
		// Rejected units are not counted; what's recorded stays.
		status.Remaining = max(status.MaxUnits-status.Used, 0)
		l.logger.Info("usage limit exceeded",
			"tenant", tenant,
			"user", user,
			"used", status.Used,
			"max_units", status.MaxUnits,
		)
		return status, nil
	}

	status.Remaining = max(status.MaxUnits-status.Used, 0)
	return status, nil
}

// resolveLimit returns the effective limit: user-specific, then tenant-wide,
// then the configured default. A nil result means checking is disabled.
func (l *Limiter) resolveLimit(ctx context.Context, tenant, user string) (*store.UsageLimit, error) {
	if user != "" {
		limit, err := l.limits.GetUsageLimit(ctx, tenant, user)
		if err == nil {
			if !limit.Enabled {
				return nil, nil
			}
			return limit, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("resolving user limit: %w", err)
		}
	}

	limit, err := l.limits.GetUsageLimit(ctx, tenant, "")
	if err == nil {
		if !limit.Enabled {
			return nil, nil
		}
		return limit, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving tenant limit: %w", err)
	}

	// Unknown tenant/user: the default limit applies, never "no limit",
	// unless defaults are unset.
	if l.cfg.DefaultMaxUnits <= 0 || l.cfg.DefaultWindowSeconds <= 0 {
		return nil, nil
	}
	return &store.UsageLimit{
		Tenant:        tenant,
		MaxUnits:      l.cfg.DefaultMaxUnits,
		WindowSeconds: l.cfg.DefaultWindowSeconds,
		Enabled:       true,
	}, nil
}

// windowStatus computes the current window boundaries for a limit. The
// window is anchored at EffectiveFrom and rolls forward by whole periods,
// so a config change realigns the very next check to the new anchor.
func (l *Limiter) windowStatus(limit *store.UsageLimit) *Status {
	now := l.now().UTC()
	window := time.Duration(limit.WindowSeconds) * time.Second

	anchor := limit.EffectiveFrom.UTC()
	start := anchor
	if now.After(anchor) {
		periods := now.Sub(anchor) / window
		start = anchor.Add(periods * window)
	}

	return &Status{
		Enabled:     true,
		MaxUnits:    limit.MaxUnits,
		WindowStart: start,
		WindowEnd:   start.Add(window),
	}
}

func (l *Limiter) windowKey(tenant, user string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", keyPrefix, tenant, user, windowStart.Unix())
}

// failurePolicy applies the fail-open/fail-closed decision on store errors.
func (l *Limiter) failurePolicy(status *Status, err error) (*Status, error) {
	if l.cfg.FailOpen {
		l.logger.Warn("usage store unavailable, failing open", "error", err)
		status.Exceeded = false
		return status, nil
	}
	l.logger.Error("usage store unavailable, failing closed", "error", err)
	return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
