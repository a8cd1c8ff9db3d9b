// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	apierrors "github.com/stacklok/sessionbroker/pkg/api/errors"
	brokererrors "github.com/stacklok/sessionbroker/pkg/errors"
	"github.com/stacklok/sessionbroker/pkg/logger"
)

const defaultLimiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	clock    clock.PassiveClock
	lastGC   time.Time
}

// RateLimiterOption configures an IPRateLimiter.
type RateLimiterOption func(*IPRateLimiter)

// WithLimiterClock overrides the time source.
func WithLimiterClock(c clock.PassiveClock) RateLimiterOption {
	return func(l *IPRateLimiter) {
		l.clock = c
	}
}

// NewIPRateLimiter allows perMinute requests per client IP with the given burst.
func NewIPRateLimiter(perMinute float64, burst int, opts ...RateLimiterOption) *IPRateLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		idleTTL:  defaultLimiterIdleTTL,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastGC = l.clock.Now()
	return l
}

// Allow reports whether ip may make a request now.
func (l *IPRateLimiter) Allow(ip string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > l.idleTTL {
		for key, e := range l.limiters {
			if now.Sub(e.lastSeen) > l.idleTTL {
				delete(l.limiters, key)
			}
		}
		l.lastGC = now
	}

	e, ok := l.limiters[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.Allow(ip) {
			logger.FromContext(r.Context()).Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			apierrors.Write(w, http.StatusTooManyRequests, apierrors.PublicMessage(brokererrors.ErrRateLimited))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP expects chi's RealIP to have already rewritten RemoteAddr when a
// trusted proxy header is present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
