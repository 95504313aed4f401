// Package ratelimit implements per-endpoint-class request limiting with
// progressive penalties, short burst windows and IP-level blocking.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub010/internal/errors"
)

// Class selects the limit policy for a group of endpoints.
type Class string

const (
	// ClassAuth covers token issuance and other authentication-grade calls.
	ClassAuth Class = "auth"
	// ClassBulk covers expensive batch operations.
	ClassBulk Class = "bulk"
	// ClassGeneral covers everything else.
	ClassGeneral Class = "general"
)

// policy is the per-class limit configuration.
type policy struct {
	Limit  int
	Window time.Duration
	Burst  int
}

var policies = map[Class]policy{
	ClassAuth:    {Limit: 5, Window: 300 * time.Second, Burst: 2},
	ClassBulk:    {Limit: 10, Window: 300 * time.Second, Burst: 3},
	ClassGeneral: {Limit: 100, Window: 60 * time.Second, Burst: 20},
}

// Block severity levels for IP blocks.
const (
	BlockSuspicious = "SUSPICIOUS"
	BlockMalicious  = "MALICIOUS"
)

// Cache is the counter backend. The in-process implementation never fails,
// but the limiter treats any error as a signal to fail open: blocking
// legitimate traffic is worse than briefly under-limiting.
type Cache interface {
	GetCounter(key string) (int64, error)
	Increment(key string, ttl time.Duration) (int64, error)
	Get(key string) (any, bool, error)
	Set(key string, value any, ttl time.Duration) error
	Delete(key string) error
	ExpiresAt(key string) (time.Time, bool, error)
}

// Notifier receives alerts for malicious IP blocks. May be nil.
type Notifier interface {
	NotifyIPBlocked(ctx context.Context, ip, level string, duration time.Duration)
}

// Config mirrors the abuse-protection thresholds from the application config.
type Config struct {
	SuspiciousThreshold int
	MaliciousThreshold  int
	SuspiciousBlock     time.Duration
	MaliciousBlock      time.Duration
	ViolationTTL        time.Duration
	BurstWindow         time.Duration
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Class      Class
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// blockRecord is the cached value for a blocked IP.
type blockRecord struct {
	Level     string
	BlockedAt time.Time
}

// Limiter enforces the per-class request limits.
type Limiter struct {
	cfg      Config
	cache    Cache
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	decisions *prometheus.CounterVec
}

// NewLimiter creates a limiter over the counter cache. reg may be nil to
// skip metric registration (tests).
func NewLimiter(cfg Config, cache Cache, notifier Notifier, logger *slog.Logger, reg prometheus.Registerer) *Limiter {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensing",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions by endpoint class and outcome.",
	}, []string{"class", "outcome"})
	if reg != nil {
		reg.MustRegister(decisions)
	}

	return &Limiter{
		cfg:       cfg,
		cache:     cache,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "rate_limiter")),
		now:       time.Now,
		decisions: decisions,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.now = now
}

// Check runs the limit algorithm for one request. Denials return both a
// populated Decision and a domain error carrying the denial kind and a
// retry-after hint. Counter-backend failures allow the request.
func (l *Limiter) Check(ctx context.Context, class Class, identifier, ip string) (*Decision, error) {
	pol, ok := policies[class]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindInternal, "unknown endpoint class %q", class)
	}

	// Block check comes before any counter so a blocked IP cannot burn
	// windows or accumulate more violations.
	if ip != "" {
		if decision, err := l.checkIPBlock(ctx, class, ip); decision != nil {
			return decision, err
		}
	}

	effective := l.effectiveLimit(ctx, class, identifier, pol.Limit)

	windowKey := counterKey("win", class, identifier)
	current, err := l.cache.GetCounter(windowKey)
	if err != nil {
		return l.failOpen(ctx, class, "window counter read", err)
	}
	if current >= int64(effective) {
		return l.denyWindow(ctx, class, identifier, ip, windowKey, pol)
	}

	burstKey := counterKey("burst", class, identifier)
	burst, err := l.cache.GetCounter(burstKey)
	if err != nil {
		return l.failOpen(ctx, class, "burst counter read", err)
	}
	if burst >= int64(pol.Burst) {
		return l.denyBurst(ctx, class, burstKey)
	}

	count, err := l.cache.Increment(windowKey, pol.Window)
	if err != nil {
		return l.failOpen(ctx, class, "window counter increment", err)
	}
	if _, err := l.cache.Increment(burstKey, l.cfg.BurstWindow); err != nil {
		return l.failOpen(ctx, class, "burst counter increment", err)
	}

	resetAt, ok, err := l.cache.ExpiresAt(windowKey)
	if err != nil || !ok {
		resetAt = l.now().Add(pol.Window)
	}

	l.decisions.WithLabelValues(string(class), "allowed").Inc()
	return &Decision{
		Allowed:   true,
		Class:     class,
		Remaining: effective - int(count),
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the window, burst and violation counters for an identifier.
// Used by admins and by the token service after successful issuance.
func (l *Limiter) Reset(ctx context.Context, class Class, identifier string) {
	for _, key := range []string{
		counterKey("win", class, identifier),
		counterKey("burst", class, identifier),
		counterKey("vio", class, identifier),
	} {
		if err := l.cache.Delete(key); err != nil {
			l.logger.WarnContext(ctx, "counter reset failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Unblock removes an IP block and its hourly violation counter.
func (l *Limiter) Unblock(ctx context.Context, ip string) {
	for _, key := range []string{blockKey(ip), ipViolationKey(ip)} {
		if err := l.cache.Delete(key); err != nil {
			l.logger.WarnContext(ctx, "unblock failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			return
		}
	}
	l.logger.InfoContext(ctx, "ip unblocked", slog.String("ip", ip))
}

// CheckIssue adapts the limiter to the token service's issuance gate.
func (l *Limiter) CheckIssue(ctx context.Context, installationID, ip string) error {
	_, err := l.Check(ctx, ClassAuth, installationID, ip)
	return err
}

// ResetIssue clears the issuance counters for an installation.
func (l *Limiter) ResetIssue(ctx context.Context, installationID string) {
	l.Reset(ctx, ClassAuth, installationID)
}

func (l *Limiter) checkIPBlock(ctx context.Context, class Class, ip string) (*Decision, error) {
	value, found, err := l.cache.Get(blockKey(ip))
	if err != nil {
		d, _ := l.failOpen(ctx, class, "block lookup", err)
		return d, nil
	}
	if !found {
		return nil, nil
	}

	record, _ := value.(blockRecord)
	retryAfter := time.Duration(0)
	if expiry, ok, err := l.cache.ExpiresAt(blockKey(ip)); err == nil && ok {
		retryAfter = expiry.Sub(l.now())
	}

	l.decisions.WithLabelValues(string(class), "ip_blocked").Inc()
	return &Decision{
			Allowed:    false,
			Class:      class,
			RetryAfter: retryAfter,
		}, apperrors.Newf(apperrors.KindIPBlocked,
			"ip address is blocked (%s)", record.Level).WithRetryAfter(retryAfter)
}

// effectiveLimit applies the progressive penalty to the base limit. The
// multiplier doubles per violation beyond the first and caps at 16.
func (l *Limiter) effectiveLimit(ctx context.Context, class Class, identifier string, base int) int {
	violations, err := l.cache.GetCounter(counterKey("vio", class, identifier))
	if err != nil {
		l.logger.WarnContext(ctx, "violation counter read failed, using base limit",
			slog.String("error", err.Error()),
		)
		return base
	}

	effective := base / penaltyMultiplier(violations)
	if effective < 1 {
		effective = 1
	}
	return effective
}

func penaltyMultiplier(violations int64) int {
	switch {
	case violations <= 1:
		return 1
	case violations == 2:
		return 2
	case violations == 3:
		return 4
	case violations == 4:
		return 8
	default:
		return 16
	}
}

func (l *Limiter) denyWindow(ctx context.Context, class Class, identifier, ip, windowKey string, pol policy) (*Decision, error) {
	violations, err := l.cache.Increment(counterKey("vio", class, identifier), l.cfg.ViolationTTL)
	if err != nil {
		l.logger.WarnContext(ctx, "violation counter increment failed",
			slog.String("error", err.Error()),
		)
	}

	if ip != "" {
		l.recordIPViolation(ctx, ip)
	}

	retryAfter := pol.Window
	resetAt := l.now().Add(pol.Window)
	if expiry, ok, err := l.cache.ExpiresAt(windowKey); err == nil && ok {
		retryAfter = expiry.Sub(l.now())
		resetAt = expiry
	}

	l.decisions.WithLabelValues(string(class), "rate_limited").Inc()
	l.logger.WarnContext(ctx, "rate limit exceeded",
		slog.String("class", string(class)),
		slog.String("identifier", identifier),
		slog.Int64("violations", violations),
	)
	return &Decision{
			Allowed:    false,
			Class:      class,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}, apperrors.New(apperrors.KindRateLimitExceeded,
			"rate limit exceeded").WithRetryAfter(retryAfter)
}

func (l *Limiter) denyBurst(ctx context.Context, class Class, burstKey string) (*Decision, error) {
	// Burst denials are pacing, not abuse: no violation is recorded.
	retryAfter := l.cfg.BurstWindow
	if expiry, ok, err := l.cache.ExpiresAt(burstKey); err == nil && ok {
		retryAfter = expiry.Sub(l.now())
	}

	l.decisions.WithLabelValues(string(class), "burst_limited").Inc()
	return &Decision{
			Allowed:    false,
			Class:      class,
			RetryAfter: retryAfter,
		}, apperrors.New(apperrors.KindBurstLimitExceeded,
			"burst limit exceeded, slow down").WithRetryAfter(retryAfter)
}

// recordIPViolation bumps the hourly per-IP violation counter and escalates
// to a block when it crosses the configured thresholds. A MALICIOUS block
// always supersedes a SUSPICIOUS one.
func (l *Limiter) recordIPViolation(ctx context.Context, ip string) {
	count, err := l.cache.Increment(ipViolationKey(ip), time.Hour)
	if err != nil {
		l.logger.WarnContext(ctx, "ip violation counter increment failed",
			slog.String("error", err.Error()),
		)
		return
	}

	switch {
	case count >= int64(l.cfg.MaliciousThreshold):
		l.blockIP(ctx, ip, BlockMalicious, l.cfg.MaliciousBlock)
	case count >= int64(l.cfg.SuspiciousThreshold):
		l.blockIP(ctx, ip, BlockSuspicious, l.cfg.SuspiciousBlock)
	}
}

func (l *Limiter) blockIP(ctx context.Context, ip, level string, duration time.Duration) {
	// Never downgrade an existing MALICIOUS block.
	if value, found, err := l.cache.Get(blockKey(ip)); err == nil && found {
		if existing, ok := value.(blockRecord); ok &&
			existing.Level == BlockMalicious && level == BlockSuspicious {
			return
		}
	}

	record := blockRecord{Level: level, BlockedAt: l.now()}
	if err := l.cache.Set(blockKey(ip), record, duration); err != nil {
		l.logger.WarnContext(ctx, "ip block write failed",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
		return
	}

	l.logger.WarnContext(ctx, "ip blocked",
		slog.String("ip", ip),
		slog.String("level", level),
		slog.Duration("duration", duration),
	)

	if l.notifier != nil && level == BlockMalicious {
		l.notifier.NotifyIPBlocked(ctx, ip, level, duration)
	}
}

func (l *Limiter) failOpen(ctx context.Context, class Class, op string, err error) (*Decision, error) {
	l.decisions.WithLabelValues(string(class), "fail_open").Inc()
	l.logger.WarnContext(ctx, "counter backend failure, allowing request",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return &Decision{Allowed: true, Class: class}, nil
}

func counterKey(kind string, class Class, identifier string) string {
	return fmt.Sprintf("rl:%s:%s:%s", kind, class, identifier)
}

func blockKey(ip string) string {
	return "rl:block:" + ip
}

func ipViolationKey(ip string) string {
	return "rl:ipvio:" + ip
}
