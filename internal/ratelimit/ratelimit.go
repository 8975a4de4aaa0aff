// Package ratelimit implements fixed-window request limiting.
//
// Windows are tracked per (class, key) pair, so the per-IP request
// budget and the per-payer verification budget count independently.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rugdetector/rugdetector/internal/metrics"
	"github.com/rugdetector/rugdetector/internal/syncutil"
)

// Class names an independent limit bucket.
type Class string

const (
	// ClassGlobal is the per-client request limit applied by the middleware.
	ClassGlobal Class = "global"
	// ClassPayment caps how many payment verifications one payer can
	// trigger, which bounds RPC spend from a single hostile client.
	ClassPayment Class = "payment"
)

// DefaultWindow is the fixed window length.
const DefaultWindow = time.Minute

type window struct {
	start time.Time
	count int
}

// Limiter admits requests against per-class fixed windows. The first
// request for a (class, key) pair opens its window; the counter resets
// when the window elapses.
type Limiter struct {
	limits map[Class]int
	window time.Duration
	locks  syncutil.ShardedMutex

	mu      sync.Mutex
	windows map[string]*window

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter with the given per-class limits. windowLen <= 0
// uses DefaultWindow. A background janitor drops windows idle for more
// than two window lengths.
func New(windowLen time.Duration, limits map[Class]int) *Limiter {
	if windowLen <= 0 {
		windowLen = DefaultWindow
	}
	l := &Limiter{
		limits:  limits,
		window:  windowLen,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Admit reports whether one more request for key in class fits the
// current window, and counts it if so. Unknown classes are unlimited.
func (l *Limiter) Admit(key string, class Class) bool {
	limit, ok := l.limits[class]
	if !ok || limit <= 0 {
		return true
	}

	composite := string(class) + "|" + key
	unlock := l.locks.Lock(composite)
	defer unlock()

	now := time.Now()
	w := l.getWindow(composite, now)

	if now.Sub(w.start) >= l.window {
		w.start = now
		w.count = 0
	}
	if w.count >= limit {
		metrics.RateLimitDenialsTotal.WithLabelValues(string(class)).Inc()
		return false
	}
	w.count++
	return true
}

func (l *Limiter) getWindow(composite string, now time.Time) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[composite]
	if !ok {
		w = &window{start: now}
		l.windows[composite] = w
	}
	return w
}

// Stop terminates the janitor. Idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep(time.Now().Add(-2 * l.window))
		}
	}
}

// sweep drops windows idle since before cutoff. Window fields are
// guarded by the per-key sharded lock, so each key is locked the same
// way Admit locks it before its start time is read or the entry is
// deleted. l.mu guards only the map itself.
func (l *Limiter) sweep(cutoff time.Time) {
	l.mu.Lock()
	keys := make([]string, 0, len(l.windows))
	for key := range l.windows {
		keys = append(keys, key)
	}
	l.mu.Unlock()

	for _, key := range keys {
		unlock := l.locks.Lock(key)
		l.mu.Lock()
		if w, ok := l.windows[key]; ok && w.start.Before(cutoff) {
			delete(l.windows, key)
		}
		l.mu.Unlock()
		unlock()
	}
}

// exemptPaths are never rate limited so probes and scrapes keep working
// while a client is being throttled.
var exemptPaths = map[string]bool{
	"/health":       true,
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

// Middleware returns a Gin middleware that applies the global class
// per client IP. Health and metrics routes pass through untouched.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if exemptPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		if !l.Admit(c.ClientIP(), ClassGlobal) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error":      "Too many requests. Please slow down.",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		c.Next()
	}
}
