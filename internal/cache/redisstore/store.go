// Package redisstore is a durable cache tier shared between instances. Each
// bucket is one Redis hash.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ehr/medcalc/internal/cache"
)

// hashCommands is the subset of redis.Cmdable the store needs.
type hashCommands interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store implements cache.Store on Redis hashes.
type Store struct {
	rdb    hashCommands
	prefix string
	closer func() error
}

var _ cache.Store = (*Store)(nil)

// New wraps an existing client. prefix is prepended to every bucket name.
func New(rdb hashCommands, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix, closer: func() error { return nil }}
}

// NewFromURL connects to a redis:// URL and verifies the connection.
func NewFromURL(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	s := New(client, prefix)
	s.closer = client.Close
	return s, nil
}

// Close closes the client when the store owns it.
func (s *Store) Close() error {
	return s.closer()
}

func (s *Store) hashKey(bucket string) string {
	return s.prefix + bucket
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	b, err := s.rdb.HGet(ctx, s.hashKey(bucket), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}
	return b, nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := s.rdb.HSet(ctx, s.hashKey(bucket), key, value).Err(); err != nil {
		return fmt.Errorf("failed to set in cache: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := s.rdb.HDel(ctx, s.hashKey(bucket), key).Err(); err != nil {
		return fmt.Errorf("failed to delete from cache: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	keys, err := s.rdb.HKeys(ctx, s.hashKey(bucket)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	return keys, nil
}

func (s *Store) Clear(ctx context.Context, bucket string) error {
	if err := s.rdb.Del(ctx, s.hashKey(bucket)).Err(); err != nil {
		return fmt.Errorf("failed to clear cache bucket: %w", err)
	}
	return nil
}
