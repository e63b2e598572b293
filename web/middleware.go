package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/loxodon/util"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// visitor is one client's token bucket plus the last time it was seen,
// so idle entries can be evicted instead of resetting the whole table
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out per-client token buckets
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     r,
		burst:    burst,
	}
	go rl.sweep()
	return rl
}

// GlobalRateLimiter builds the limiter for the whole HTTP surface from
// the configured requests-per-second
func GlobalRateLimiter(conf *util.AppConfig) *RateLimiter {
	return NewRateLimiter(rate.Limit(conf.Conf.RateLimitPerSec), conf.Conf.RateLimitBurst)
}

// InboxRateLimiter builds the stricter limiter shared by the inbox
// endpoints, where unauthenticated remote servers POST at will
func InboxRateLimiter(conf *util.AppConfig) *RateLimiter {
	return NewRateLimiter(rate.Limit(conf.Conf.InboxRateLimitPerSec), conf.Conf.InboxRateLimitBurst)
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// evictIdle drops visitors that have not sent a request recently
func (rl *RateLimiter) evictIdle(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	rl.mu.Lock()
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
	rl.mu.Unlock()
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.evictIdle(10 * time.Minute)
	}
}

// RateLimitMiddleware rejects clients that exceed their bucket with 429
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// MaxBytesMiddleware caps inbound body size. Requests declaring an
// oversize body are rejected up front; chunked ones fail on read
// through MaxBytesReader.
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
