package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/formlane/creditledger/internal/config"
)

const (
	keyCreditAPIOrg = "credits:api:org:%s"
	keySweeperLease = "credits:sweeper:leader"
)

// RequestLimiter throttles credit API traffic per organization and hands out
// the sweeper leadership lease. A nil limiter (rate limiting disabled) allows
// everything.
type RequestLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	orgRate  float64
	orgBurst int
}

func NewRequestLimiter(cfg config.Config) (*RequestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.OrgRate <= 0 || limitCfg.OrgBurst <= 0 {
		return nil, errors.New("org rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &RequestLimiter{
		enabled:  true,
		bucket:   NewTokenBucket(client),
		locker:   NewLocker(client),
		orgRate:  limitCfg.OrgRate,
		orgBurst: limitCfg.OrgBurst,
	}, nil
}

func (l *RequestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowOrg takes one token from the organization's bucket.
func (l *RequestLimiter) AllowOrg(ctx context.Context, orgID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyCreditAPIOrg, strings.TrimSpace(orgID)), l.orgRate, l.orgBurst)
}

// TryLockSweep acquires the sweeper leadership lease so only one instance
// reclaims expired reservations at a time.
func (l *RequestLimiter) TryLockSweep(ctx context.Context, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, keySweeperLease, ttl)
}

// ReleaseSweep gives up the sweeper lease.
func (l *RequestLimiter) ReleaseSweep(ctx context.Context, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, keySweeperLease, token)
}
