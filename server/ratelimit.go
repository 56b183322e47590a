package server

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
)

// rateLimitRule is one path-prefix override.
type rateLimitRule struct {
	prefix string
	rps    float64
	burst  int
}

// rateLimiter keeps a token bucket per (client, matched prefix). Rules use
// longest-prefix matching over the request path; the empty prefix is the
// global default.
type rateLimiter struct {
	rules []rateLimitRule // sorted by descending prefix length

	mu      sync.Mutex
	buckets map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const bucketIdleEviction = 10 * time.Minute

func newRateLimiter(defaultRPS float64, defaultBurst int, overrides string) (*rateLimiter, error) {
	rl := &rateLimiter{
		rules:   []rateLimitRule{{prefix: "", rps: defaultRPS, burst: defaultBurst}},
		buckets: make(map[string]*clientBucket),
	}
	parsed, err := parseOverrides(overrides)
	if err != nil {
		return nil, err
	}
	rl.rules = append(rl.rules, parsed...)
	// Longest prefix first so match() can return on first hit.
	for i := 1; i < len(rl.rules); i++ {
		for j := i; j > 0 && len(rl.rules[j].prefix) > len(rl.rules[j-1].prefix); j-- {
			rl.rules[j], rl.rules[j-1] = rl.rules[j-1], rl.rules[j]
		}
	}
	return rl, nil
}

// parseOverrides reads "path=rps:burst" pairs, comma separated.
func parseOverrides(s string) ([]rateLimitRule, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var rules []rateLimitRule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		path, spec, ok := strings.Cut(part, "=")
		if !ok || !strings.HasPrefix(path, "/") {
			return nil, aierrors.Newf(aierrors.ConfigInvalid, "bad rate limit override %q", part)
		}
		rpsStr, burstStr, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, aierrors.Newf(aierrors.ConfigInvalid, "bad rate limit override %q", part)
		}
		rps, err := strconv.ParseFloat(rpsStr, 64)
		if err != nil || rps <= 0 {
			return nil, aierrors.Newf(aierrors.ConfigInvalid, "bad rps in override %q", part)
		}
		burst, err := strconv.Atoi(burstStr)
		if err != nil || burst <= 0 {
			return nil, aierrors.Newf(aierrors.ConfigInvalid, "bad burst in override %q", part)
		}
		rules = append(rules, rateLimitRule{prefix: path, rps: rps, burst: burst})
	}
	return rules, nil
}

func (rl *rateLimiter) match(path string) rateLimitRule {
	for _, rule := range rl.rules {
		if strings.HasPrefix(path, rule.prefix) {
			return rule
		}
	}
	return rl.rules[len(rl.rules)-1] // the default rule
}

// allow consumes one token from the client's bucket for the matched rule.
func (rl *rateLimiter) allow(client, path string) bool {
	rule := rl.match(path)
	key := client + "|" + rule.prefix

	rl.mu.Lock()
	defer rl.mu.Unlock()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rule.rps), rule.burst)}
		rl.buckets[key] = bucket
		rl.evictIdleLocked()
	}
	bucket.lastSeen = time.Now()
	return bucket.limiter.Allow()
}

// evictIdleLocked drops buckets idle past the eviction window. Called on
// bucket creation so the map cannot grow without bound.
func (rl *rateLimiter) evictIdleLocked() {
	cutoff := time.Now().Add(-bucketIdleEviction)
	for key, bucket := range rl.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// rateLimitMiddleware enforces per-client token buckets, answering 429 with a
// Retry-After hint when a bucket is dry.
func (s *Server) rateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		if path == "/health" || path == "/readiness" || path == "/metrics" {
			return next(c)
		}
		if !s.limiter.allow(c.RealIP(), path) {
			if s.exporter != nil {
				s.exporter.RecordRateLimited(path)
			}
			return respondError(c, aierrors.New(aierrors.AuthRateLimited, "rate limit exceeded").
				WithRetryAfter(time.Second))
		}
		return next(c)
	}
}
