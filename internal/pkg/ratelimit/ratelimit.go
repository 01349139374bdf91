// Package ratelimit builds the fiber limiter for the API, backed by the Redis
// cache when one is reachable so limits hold across instances.
package ratelimit

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"
)

// limiterDatabase keeps limiter keys away from the deferred queue in DB 0.
const limiterDatabase = 2

type Config struct {
	Max    int
	Window time.Duration
	// Client is the shared cache client; nil keeps counters in process memory.
	Client *goredis.Client
}

// NewStorage creates limiter storage on the same server as client.
func NewStorage(client *goredis.Client) fiber.Storage {
	host := "localhost"
	port := 6379
	password := ""
	if client != nil {
		opts := client.Options()
		if h, p, err := net.SplitHostPort(opts.Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		password = opts.Password
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: limiterDatabase,
		Reset:    false,
	})
}

// New returns the limiter middleware. Requests are keyed by client IP.
func New(cfg Config) fiber.Handler {
	lc := limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Window,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}
	if cfg.Client != nil {
		lc.Storage = NewStorage(cfg.Client)
	}
	return limiter.New(lc)
}
