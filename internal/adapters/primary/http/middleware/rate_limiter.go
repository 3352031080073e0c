package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

// RateLimiter is a token bucket per key (client IP unless configured
// otherwise). Idle buckets are evicted until the limiter's context ends.
type RateLimiter struct {
	buckets map[string]*bucket
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	key     KeyFunc
	logger  *slog.Logger
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	CleanupInterval   time.Duration
	TTL               time.Duration // idle time before a bucket is evicted
	Key               KeyFunc       // defaults to ClientIP
	Name              string        // shows up in rejection logs
}

// AuthRateLimiterConfig is the stricter policy for token minting.
func AuthRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
		TTL:               5 * time.Minute,
		Name:              "auth",
	}
}

// NewRateLimiter starts a limiter whose eviction loop runs until ctx is done.
func NewRateLimiter(ctx context.Context, cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if cfg.Key == nil {
		cfg.Key = ClientIP
	}
	if cfg.Name == "" {
		cfg.Name = "general"
	}
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.BurstSize,
		key:     cfg.Key,
		logger:  logger.With("component", "rate_limiter", "limiter", cfg.Name),
	}

	if cfg.CleanupInterval > 0 && cfg.TTL > 0 {
		go rl.evictIdle(ctx, cfg.CleanupInterval, cfg.TTL)
	}
	return rl
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (rl *RateLimiter) evictIdle(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if time.Since(b.lastSeen) > ttl {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Allow charges one request to key.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiter(key).Allow()
}

// Len is the number of live buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Middleware rejects requests over the limit with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.key(r)
		if !rl.Allow(key) {
			rl.logger.Warn("request rate limited", "key", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", rl.retryAfter())
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter is the whole seconds until one token refills.
func (rl *RateLimiter) retryAfter() string {
	if rl.rate <= 0 || rl.rate == rate.Inf {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(rl.rate)))))
}

// ClientIP keys on the originating address, honouring the first hop of
// X-Forwarded-For and then X-Real-IP.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return stripPort(first)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return stripPort(r.RemoteAddr)
}

// UserOrIP keys on the authenticated user when JWTMiddleware ran first.
func UserOrIP(r *http.Request) string {
	if claims, ok := GetClaims(r.Context()); ok {
		return "user:" + claims.UserID.String()
	}
	return ClientIP(r)
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
