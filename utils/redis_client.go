package utils

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jamesirl/blog/config"
)

var (
	redisClient *redis.Client
	redisOnce   sync.Once
)

// GetRedis lazily builds the shared Redis client. The startup ping is
// advisory only: cache and blacklist callers each handle an unreachable
// Redis themselves, so a dead server must not block boot.
func GetRedis() *redis.Client {
	redisOnce.Do(func() {
		cfg := config.Get()
		redisClient = redis.NewClient(&redis.Options{
			Addr:         net.JoinHostPort(cfg.RedisHost, strconv.Itoa(cfg.RedisPort)),
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  3 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil && Sugar != nil {
			Sugar.Warnf("redis unreachable at startup, caching disabled until it returns: %v", err)
		}
	})
	return redisClient
}
