package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/config"
)

// RedisStorage keeps each document as a plain string value under prefix+key
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage connects to Redis. A failed ping is logged, not fatal:
// the client reconnects on demand and reads fall back to defaults.
func NewRedisStorage(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping failed (continuing)")
	}

	return newRedisStorage(client, cfg.KeyPrefix), nil
}

func newRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

// Get returns the stored bytes
func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

// Put stores the bytes without expiry
func (r *RedisStorage) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Close closes the client
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
