package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/farelens/farelens-alerts/internal/api/respond"
)

// --------------------------------------------------------------------------
// Request timing
// --------------------------------------------------------------------------

// TimingMiddleware stamps X-Process-Time (milliseconds until the status line
// is written) on every response.
func TimingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&timedResponse{ResponseWriter: w, start: time.Now()}, r)
	})
}

// Headers set after WriteHeader are dropped, so the stamp happens there.
type timedResponse struct {
	http.ResponseWriter
	start   time.Time
	stamped bool
}

func (t *timedResponse) WriteHeader(status int) {
	if !t.stamped {
		t.stamped = true
		ms := float64(time.Since(t.start).Microseconds()) / 1000
		t.Header().Set("X-Process-Time", strconv.FormatFloat(ms, 'f', 2, 64)+"ms")
	}
	t.ResponseWriter.WriteHeader(status)
}

func (t *timedResponse) Write(b []byte) (int, error) {
	if !t.stamped {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

// --------------------------------------------------------------------------
// Per-client rate limiting
// --------------------------------------------------------------------------

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// clientLimiter hands out one token bucket per client address and drops
// buckets that have been idle for a few windows.
type clientLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	every     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiter(requests int, window time.Duration) *clientLimiter {
	return &clientLimiter{
		buckets: make(map[string]*clientBucket),
		every:   rate.Limit(float64(requests) / window.Seconds()),
		burst:   max(1, requests/2),
		idle:    3 * window,
		now:     time.Now,
	}
}

// reserve takes a token for client and reports how long the caller would
// have to wait for it. A zero delay means the request may proceed.
func (l *clientLimiter) reserve(client string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[client]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[client] = b
	}
	b.lastSeen = now

	res := b.lim.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
	}
	return delay
}

// RateLimitMiddleware limits each client address to requests per window.
// Runs after middleware.RealIP, so RemoteAddr is the forwarded client.
func RateLimitMiddleware(requests int, window time.Duration) func(http.Handler) http.Handler {
	limiter := newClientLimiter(requests, window)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				client = r.RemoteAddr
			}

			if delay := limiter.reserve(client); delay > 0 {
				secs := int(math.Ceil(delay.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(1, secs)))
				respond.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
