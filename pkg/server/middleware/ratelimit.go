package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbd54566975/ssi-relay/pkg/server/framework"
)

const (
	limiterIdleTTL      = 10 * time.Minute
	limiterEvictionRate = 512
)

// DIDLimiter is a token bucket per DID. Buckets idle for longer than ten minutes are dropped.
type DIDLimiter struct {
	limit rate.Limit
	burst int
	clock clock.Clock

	mu    sync.Mutex
	byDID map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewDIDLimiter returns nil, a limiter that allows everything, when perSecond or burst is not positive.
func NewDIDLimiter(perSecond float64, burst int, c clock.Clock) *DIDLimiter {
	if perSecond <= 0 || burst <= 0 {
		return nil
	}
	if c == nil {
		c = clock.New()
	}
	return &DIDLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		clock: c,
		byDID: make(map[string]*limiterEntry),
	}
}

// Allow reports whether id may make one more request now.
func (l *DIDLimiter) Allow(id string) bool {
	if l == nil || id == "" {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byDID[id]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byDID[id] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%limiterEvictionRate == 0 {
		cutoff := now.Add(-limiterIdleTTL)
		for k, v := range l.byDID {
			if v.lastSeen.Before(cutoff) {
				delete(l.byDID, k)
			}
		}
	}
	return allowed
}

// RateLimit must run after DIDAuth. Callers over their budget get a 429.
func RateLimit(limiter *DIDLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(CallerDID(c)) {
			framework.Respond(c, framework.ErrorResponse{Error: "too many requests"}, http.StatusTooManyRequests)
			c.Abort()
			return
		}
		c.Next()
	}
}
