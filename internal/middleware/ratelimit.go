package middleware

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/devildev/api/pkg/response"
)

// RateLimiter counts requests per user in fixed windows stored in Redis
type RateLimiter struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient, now: time.Now}
}

// windowKey buckets requests by the start of the current window so a key
// never outlives its window even if its TTL was lost
func windowKey(prefix, userID string, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", prefix, userID, start.Unix())
}

// Limit allows maxRequests per user in each window. Requests without an
// authenticated user pass through.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" {
			return c.Next()
		}

		now := rl.now()
		start := now.Truncate(window)
		reset := start.Add(window)
		key := windowKey(keyPrefix, userID, start)

		var incr *redis.IntCmd
		_, err := rl.redis.TxPipelined(c.UserContext(), func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(c.UserContext(), key)
			pipe.ExpireAt(c.UserContext(), key, reset.Add(time.Second))
			return nil
		})
		if err != nil {
			log.Printf("ratelimit %s: redis unavailable, allowing request: %v", keyPrefix, err)
			return c.Next()
		}

		count := incr.Val()
		remaining := int64(maxRequests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(maxRequests) {
			retry := int(reset.Sub(now).Seconds()) + 1
			c.Set("Retry-After", strconv.Itoa(retry))
			return response.RateLimited(c)
		}
		return c.Next()
	}
}

// GenerationLimit limits job submissions per user per hour
func (rl *RateLimiter) GenerationLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generation", maxPerHour, time.Hour)
}

// StatusLimit limits status polling and reads per user per minute
func (rl *RateLimiter) StatusLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("status", maxPerMin, time.Minute)
}
