// Package kv implements the persistence adapter (component I): it
// normalises accumulated plugin output into the shared key-value
// store's flat schema.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// indexKey holds the process-wide set of known hashIds.
const indexKey = "metacore:index"

func recordKey(hashID string) string { return "metacore:file:" + hashID }

// Store is the narrow persistence contract the adapter depends on.
type Store interface {
	SetFields(ctx context.Context, hashID string, fields map[string]string) error
	GetFields(ctx context.Context, hashID string) (map[string]string, error)
	Delete(ctx context.Context, hashID string) error
}

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore is the production Store backed by Redis: one hash per
// hashId plus a set tracking every known hashId.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials Redis and verifies connectivity with a bounded
// ping, so a misconfigured endpoint fails fast at startup.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping %q: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

// SetFields writes fields into the file's hash and registers its
// hashId in the process-wide index.
func (s *RedisStore) SetFields(ctx context.Context, hashID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	pipe.HSet(ctx, recordKey(hashID), values)
	pipe.SAdd(ctx, indexKey, hashID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: persist %q: %w", hashID, err)
	}
	return nil
}

// GetFields returns a file's stored hash, or an empty map if it has no
// record.
func (s *RedisStore) GetFields(ctx context.Context, hashID string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(hashID)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: get %q: %w", hashID, err)
	}
	return fields, nil
}

// Delete removes a file's record and drops it from the index.
func (s *RedisStore) Delete(ctx context.Context, hashID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey(hashID))
	pipe.SRem(ctx, indexKey, hashID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: delete %q: %w", hashID, err)
	}
	return nil
}
