package interceptors

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RateLimiter keeps a token bucket per client IP. Idle buckets are evicted after idleTTL.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets *gocache.Cache
	idleTTL time.Duration
}

// NewRateLimiter allows perMinute requests per client with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = perMinute
	}
	idle := 5 * time.Minute
	return &RateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		buckets: gocache.New(idle, time.Minute),
		idleTTL: idle,
	}
}

// Allow reports whether client may make a request now.
func (l *RateLimiter) Allow(client string) bool {
	if client == "" {
		client = "unknown"
	}
	return l.bucket(client).Allow()
}

// bucket returns the live limiter of client, creating it when absent or evicted, and
// pushes back its idle expiry. Lookup and creation happen under one lock so concurrent
// first requests share a bucket.
func (l *RateLimiter) bucket(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(client); ok {
		lim := v.(*rate.Limiter)
		l.buckets.Set(client, lim, l.idleTTL)
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.buckets.Set(client, lim, l.idleTTL)
	return lim
}

// RateLimitUnary returns a unary server interceptor that rejects callers over their budget
// with codes.ResourceExhausted. exempt methods (e.g. the health check) are never limited.
// If l is nil, the interceptor no-ops.
func RateLimitUnary(l *RateLimiter, exempt map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if l == nil || exempt[info.FullMethod] {
			return handler(ctx, req)
		}
		if !l.Allow(ClientIP(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}
