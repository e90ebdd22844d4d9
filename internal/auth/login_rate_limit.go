package auth

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"machine-auth/internal/observability"
)

type loginLimiterBackend interface {
	allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// LoginRateLimiter caps login attempts per client IP. Backend errors fail
// open so a limiter outage never blocks authentication.
type LoginRateLimiter struct {
	backend     loginLimiterBackend
	logger      *observability.Logger
	trustedHops int
}

func normalizeLimit(maxHits int, window time.Duration) (int, time.Duration) {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return maxHits, window
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	maxHits, window = normalizeLimit(maxHits, window)
	return &LoginRateLimiter{
		backend: &memoryLimiter{
			limit:     rate.Every(window / time.Duration(maxHits)),
			burst:     maxHits,
			window:    window,
			byKey:     make(map[string]*memoryLimiterEntry),
			maxMemory: 5000,
		},
		logger: observability.NopLogger(),
	}
}

func NewRedisLoginRateLimiter(client *redis.Client, maxHits int, window time.Duration) *LoginRateLimiter {
	maxHits, window = normalizeLimit(maxHits, window)
	return &LoginRateLimiter{
		backend: &redisLimiter{
			limiter: redis_rate.NewLimiter(client),
			limit:   redis_rate.Limit{Rate: maxHits, Burst: maxHits, Period: window},
		},
		logger: observability.NopLogger(),
	}
}

func (l *LoginRateLimiter) WithLogger(logger *observability.Logger) *LoginRateLimiter {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// WithTrustedProxyHops lets the limiter key on X-Forwarded-For entries
// appended by that many proxies.
func (l *LoginRateLimiter) WithTrustedProxyHops(hops int) *LoginRateLimiter {
	if hops > 0 {
		l.trustedHops = hops
	}
	return l
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r, l.trustedHops)

		allowed, retryAfter, err := l.backend.allow(r.Context(), ip, time.Now().UTC())
		if err != nil {
			l.logger.Warn("login_rate_limit_unavailable", map[string]any{"error": err})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
			observability.RecordAuthOperation("login", string(CodeRateLimited))
			writeCode(w, r, CodeRateLimited)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

type memoryLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type memoryLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	window    time.Duration
	byKey     map[string]*memoryLimiterEntry
	maxMemory int
}

func (m *memoryLimiter) allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.byKey[key]
	if !ok {
		entry = &memoryLimiterEntry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.byKey[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, m.window, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}

	if len(m.byKey) > m.maxMemory {
		threshold := now.Add(-m.window)
		for k, e := range m.byKey {
			if e.lastSeen.Before(threshold) {
				delete(m.byKey, k)
			}
		}
	}

	return true, 0, nil
}

type redisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

func (r *redisLimiter) allow(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	res, err := r.limiter.Allow(ctx, "login:"+key, r.limit)
	if err != nil {
		return false, 0, err
	}
	if res.Allowed > 0 {
		return true, 0, nil
	}
	return false, res.RetryAfter, nil
}
