// Package ratelimit meters outbound provider traffic with keyed token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/sitepeek/internal/telemetry"
)

// Limiter manages keyed rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	unlimited    *rate.Limiter
	key          func(rawURL string) string
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive RPS disables limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// Key maps a URL to its bucket. It defaults to the lower-cased hostname;
	// callers metering user-supplied URLs should map to a bounded set.
	Key func(rawURL string) string
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	key := cfg.Key
	if key == nil {
		key = hostOf
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		unlimited:    rate.NewLimiter(rate.Inf, burst),
		key:          key,
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Allow reports whether a token is available for the URL's bucket right now,
// consuming it when it is.
func (l *Limiter) Allow(rawURL string) bool {
	return l.limiterFor(l.key(rawURL)).Allow()
}

// Wait blocks until a token is available for the URL's bucket, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if l.defaultRate == rate.Inf {
		return ctx.Err()
	}
	key := l.key(rawURL)
	limiter := l.limiterFor(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

// limiterFor returns the bucket for key. Unlimited limiters share one bucket
// and never grow the map.
func (l *Limiter) limiterFor(key string) *rate.Limiter {
	if l.defaultRate == rate.Inf {
		return l.unlimited
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Len reports how many buckets have been created.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
