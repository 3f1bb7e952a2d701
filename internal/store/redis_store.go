package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentVault/internal/errors"
)

// RedisConfig describes the Redis connection parameters.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each collection document under a single Redis key,
// which matches the whole-document read/write contract directly.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "redis address is empty")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentvault"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect to redis")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

// Read implements DocumentStore.
func (r *RedisStore) Read(ctx context.Context, key string) ([]byte, error) {
	body, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("read document %s", key))
	}
	return body, nil
}

// Write implements DocumentStore.
func (r *RedisStore) Write(ctx context.Context, key string, body []byte) error {
	if err := r.client.Set(ctx, r.key(key), body, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("write document %s", key))
	}
	return nil
}

// Close implements DocumentStore.
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
