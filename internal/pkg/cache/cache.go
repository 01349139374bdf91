package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/env"
)

var client *redis.Client

// Addr returns host:port of the configured cache server.
func Addr() string {
	return fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379"))
}

// SetupCache initializes the connection to the Redis compatible cache server.
// A failed ping is logged; callers decide whether they can run without it.
func SetupCache() error {
	client = redis.NewClient(&redis.Options{
		Addr:     Addr(),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache at %s: %v", Addr(), err)
		return err
	}
	log.Infof("[Cache] Connected to cache: %s", pong)
	return nil
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		_ = SetupCache()
	}
	return client
}

// Close releases the client.
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}
