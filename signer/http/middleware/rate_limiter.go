package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/keybunker/keybunker/signer/http/util"
)

// RateLimiterConfig holds configuration for the passphrase rate limiter
type RateLimiterConfig struct {
	// RequestsPerMinute defines the rate at which tokens are replenished
	RequestsPerMinute float64
	// Burst defines the maximum number of requests that can be made in a burst
	Burst int
	// LimiterTTL defines how long a limiter is kept after last use
	LimiterTTL time.Duration
}

// DefaultRateLimiterConfig returns a default configuration
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerMinute: 20,
		Burst:             10,
		LimiterTTL:        10 * time.Minute,
	}
}

// RateLimiter throttles the routes that take a passphrase, per client IP
type RateLimiter struct {
	config   *RateLimiterConfig
	routes   map[string]struct{}
	limiters *cache.Cache
	mu       sync.Mutex
}

// NewRateLimiter creates a rate limiter guarding the given route templates
func NewRateLimiter(config *RateLimiterConfig, routes ...string) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	guarded := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		guarded[r] = struct{}{}
	}
	return &RateLimiter{
		config:   config,
		routes:   guarded,
		limiters: cache.New(config.LimiterTTL, 2*config.LimiterTTL),
	}
}

// Allow checks if a request for the given key is allowed
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.limiters.Get(key); ok {
		limiter := v.(*rate.Limiter)
		rl.limiters.SetDefault(key, limiter)
		return limiter
	}

	limiter := rate.NewLimiter(rate.Limit(rl.config.RequestsPerMinute/60.0), rl.config.Burst)
	rl.limiters.SetDefault(key, limiter)
	return limiter
}

// Handler returns 429 Too Many Requests once a client exceeds the limit on a guarded route
func (rl *RateLimiter) Handler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !rl.guarded(r) {
			h.ServeHTTP(w, r)
			return
		}
		clientIP := getClientIP(r)
		if !rl.Allow(clientIP) {
			log.WithContext(r.Context()).Warnf("rate limit exceeded for %s", clientIP)
			util.WriteErrorResponse("rate limit exceeded, please try again later", http.StatusTooManyRequests, w)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) guarded(r *http.Request) bool {
	route := mux.CurrentRoute(r)
	if route == nil {
		return false
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return false
	}
	_, ok := rl.routes[tpl]
	return ok
}

func getClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
