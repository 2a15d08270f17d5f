package mesh

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegnix/abi/internal/config"
)

// RedisTransport publishes envelopes onto Redis pub/sub channels, one
// channel per subject under a configurable prefix.
type RedisTransport struct {
	rdb    *redis.Client
	prefix string
	logger *log.Logger
}

// NewRedisTransport connects and pings so a bad address fails at
// startup, not on the first emit.
func NewRedisTransport(cfg config.MeshConfig) (*RedisTransport, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.RedisAddr, err)
	}

	t := &RedisTransport{
		rdb:    rdb,
		prefix: cfg.RedisPrefix,
		logger: log.New(os.Stdout, "[Mesh] ", log.LstdFlags),
	}
	t.logger.Printf("redis transport connected addr=%s prefix=%s", cfg.RedisAddr, cfg.RedisPrefix)
	return t, nil
}

func (t *RedisTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	channel := t.prefix + subject
	if err := t.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}
