package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

const (
	// limiterIdle is how long an unused client bucket is kept
	limiterIdle = 10 * time.Minute
	// limiterSweep is the minimum spacing of idle bucket sweeps
	limiterSweep = 5 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one token bucket per client key
type clientLimiters struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	clients map[string]*clientLimiter
	swept   time.Time
}

// get returns the bucket of key, dropping idle buckets at most once per
// limiterSweep
func (l *clientLimiters) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > limiterSweep {
		for k, cl := range l.clients {
			if now.Sub(cl.lastSeen) > limiterIdle {
				delete(l.clients, k)
			}
		}
		l.swept = now
	}

	cl, ok := l.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.every, l.burst)}
		l.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// RateLimiter allows requests per window for each client, keyed by the
// authenticated user when there is one and by IP otherwise. Rejected
// requests get a Retry-After header. requests <= 0 disables limiting.
func RateLimiter(requests int, window time.Duration) fiber.Handler {
	if requests <= 0 || window <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}

	limiters := &clientLimiters{
		every:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		clients: make(map[string]*clientLimiter),
		swept:   time.Now(),
	}
	limit := strconv.Itoa(requests)

	return func(c *fiber.Ctx) error {
		key := "ip:" + c.IP()
		if userID, ok := UserID(c); ok {
			key = "user:" + userID
		}
		now := time.Now()

		reservation := limiters.get(key, now).ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
				"kind":  "rate_limited",
			})
		}

		c.Set("X-RateLimit-Limit", limit)
		return c.Next()
	}
}
