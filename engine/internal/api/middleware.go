package api

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// CollectorAuthConfig controls collector authentication and rate limiting.
type CollectorAuthConfig struct {
	// Enabled controls whether authentication is enforced.
	// When false, credentials are checked but not required (grace period mode).
	Enabled bool

	// Keys maps collector id to the bcrypt hash of its API key.
	Keys map[string]string

	// RateLimit is the sustained uploads per second per collector; 0 disables
	// rate limiting.
	RateLimit float64
	Burst     int
}

// maxIdleLimiters is the limiter count above which refilled buckets are pruned.
const maxIdleLimiters = 1024

// collectorGuard authenticates collectors and applies a token bucket per
// verified collector, or per client address for unverified callers.
type collectorGuard struct {
	cfg    CollectorAuthConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newCollectorGuard(cfg CollectorAuthConfig, logger *slog.Logger) *collectorGuard {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &collectorGuard{
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// wrap returns h behind authentication and rate limiting.
func (g *collectorGuard) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collectorID := r.Header.Get("X-Collector-ID")
		ok, verified := g.authenticate(w, r, collectorID)
		if !ok {
			return
		}

		// unverified ids are caller-chosen
		key := "ip:" + clientIP(r)
		if verified {
			key = "collector:" + collectorID
		}
		if lim := g.limiter(key); lim != nil && !lim.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(1/g.cfg.RateLimit))))
			g.logger.Warn("collector rate limited", "limiter", key, "collector_id", collectorID, "path", r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		h(w, r)
	}
}

// authenticate reports whether the request may proceed and whether the
// collector id was proven by its API key.
func (g *collectorGuard) authenticate(w http.ResponseWriter, r *http.Request, collectorID string) (ok, verified bool) {
	authHeader := r.Header.Get("Authorization")

	if collectorID == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		if g.cfg.Enabled {
			g.logger.Warn("collector auth failed: missing credentials",
				"path", r.URL.Path,
				"collector_id", collectorID,
				"has_auth_header", authHeader != "",
			)
			http.Error(w, "unauthorized: missing credentials", http.StatusUnauthorized)
			return false, false
		}
		g.logger.Debug("collector auth: missing credentials (grace period)", "collector_id", collectorID)
		return true, false
	}

	hash, known := g.cfg.Keys[collectorID]
	if !known {
		if g.cfg.Enabled {
			g.logger.Warn("collector auth failed: unknown collector", "collector_id", collectorID)
			http.Error(w, "unauthorized: unknown collector", http.StatusUnauthorized)
			return false, false
		}
		g.logger.Debug("collector auth: unknown collector (grace period)", "collector_id", collectorID)
		return true, false
	}

	apiKey := strings.TrimPrefix(authHeader, "Bearer ")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); err != nil {
		if g.cfg.Enabled {
			g.logger.Warn("collector auth failed: invalid API key", "collector_id", collectorID, "path", r.URL.Path)
			http.Error(w, "unauthorized: invalid API key", http.StatusUnauthorized)
			return false, false
		}
		g.logger.Warn("collector auth: invalid API key (grace period - would reject)", "collector_id", collectorID)
		return true, false
	}

	g.logger.Debug("collector auth successful", "collector_id", collectorID)
	return true, true
}

func (g *collectorGuard) limiter(key string) *rate.Limiter {
	if g.cfg.RateLimit <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[key]
	if !ok {
		if len(g.limiters) >= maxIdleLimiters {
			g.pruneLocked()
		}
		lim = rate.NewLimiter(rate.Limit(g.cfg.RateLimit), g.cfg.Burst)
		g.limiters[key] = lim
	}
	return lim
}

// pruneLocked drops limiters whose bucket has refilled; a new limiter would
// behave the same.
func (g *collectorGuard) pruneLocked() {
	for key, lim := range g.limiters {
		if lim.Tokens() >= float64(g.cfg.Burst) {
			delete(g.limiters, key)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
