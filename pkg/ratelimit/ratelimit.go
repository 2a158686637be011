package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter counts job submissions per caller over a one-minute window.
// It is a thin wrapper around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	rdb        *redis.Client
	defaultRPM int64

	mu     sync.Mutex
	stores map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultRPM int64) *Limiter {
	l := &Limiter{rdb: rdb, defaultRPM: defaultRPM, stores: map[int64]extratelimit.Limiter{}}
	l.stores[defaultRPM] = l.newStore(defaultRPM)
	return l
}

// NewTestLimiter uses store for every limit.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{stores: map[int64]extratelimit.Limiter{0: store}}
}

func (l *Limiter) newStore(rpm int64) extratelimit.Limiter {
	return extratelimit.NewRedisStore(l.rdb,
		extratelimit.WithLimit(int(rpm)),
		extratelimit.WithWindow(time.Minute),
	)
}

// storeFor returns the store enforcing rpm; rpm <= 0 means the default.
func (l *Limiter) storeFor(rpm int64) extratelimit.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rdb == nil {
		return l.stores[0]
	}
	if rpm <= 0 {
		rpm = l.defaultRPM
	}
	s, ok := l.stores[rpm]
	if !ok {
		s = l.newStore(rpm)
		l.stores[rpm] = s
	}
	return s
}

// Allow consumes n submissions from caller's budget of rpm per minute.
func (l *Limiter) Allow(ctx context.Context, caller string, rpm int64, n int) (bool, error) {
	key := fmt.Sprintf("ratelimit:enhance:%s", caller)
	res, err := l.storeFor(rpm).AllowN(ctx, key, n)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

