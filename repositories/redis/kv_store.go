// Package redis implements repositories.KVStore on top of go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/upb/oauth-issuer/config"
	"github.com/upb/oauth-issuer/repositories"
	"github.com/upb/oauth-issuer/repositories/kvstore"
	"go.uber.org/zap"
)

// DefaultNamespace prefixes every key written by the store
const DefaultNamespace = "issuer" + kvstore.Separator

// NewClient opens a client and verifies the connection
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// KVStore is a Redis-backed repositories.KVStore. Scan cursors are Redis SCAN
// cursors, so a page may hold more or fewer entries than requested and an entry
// may repeat across pages.
type KVStore struct {
	client    goredis.UniversalClient
	namespace string
	logger    *zap.Logger
	now       func() time.Time
}

// NewKVStore creates a store over client
func NewKVStore(client goredis.UniversalClient, logger *zap.Logger) *KVStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStore{
		client:    client,
		namespace: DefaultNamespace,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNamespace replaces the key namespace
func (s *KVStore) WithNamespace(ns string) *KVStore {
	s.namespace = ns
	return s
}

func (s *KVStore) key(segments []string) string {
	return s.namespace + kvstore.Join(segments)
}

// Get returns the value under key
func (s *KVStore) Get(ctx context.Context, key []string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}
	return value, true, nil
}

// Set stores value under key, expiring it at expiry when given
func (s *KVStore) Set(ctx context.Context, key []string, value []byte, expiry *time.Time) error {
	k := s.key(key)
	if expiry == nil {
		if err := s.client.Set(ctx, k, value, 0).Err(); err != nil {
			return fmt.Errorf("failed to set key: %w", err)
		}
		return nil
	}

	if !expiry.After(s.now()) {
		return s.Remove(ctx, key)
	}
	if err := s.client.SetArgs(ctx, k, value, goredis.SetArgs{ExpireAt: *expiry}).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Remove deletes key
func (s *KVStore) Remove(ctx context.Context, key []string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to remove key: %w", err)
	}
	return nil
}

// Scan runs one SCAN MATCH step under prefix and loads the values of the keys found
func (s *KVStore) Scan(ctx context.Context, prefix []string, cursor string, count int) ([]repositories.KVEntry, string, error) {
	if count <= 0 {
		count = kvstore.DefaultPageSize
	}

	var position uint64
	if cursor != "" {
		p, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid scan cursor %q", cursor)
		}
		position = p
	}

	match := escapeGlob(s.namespace+kvstore.PrefixOf(prefix)) + "*"
	keys, next, err := s.client.Scan(ctx, position, match, int64(count)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan keys: %w", err)
	}

	nextCursor := ""
	if next != 0 {
		nextCursor = strconv.FormatUint(next, 10)
	}
	if len(keys) == 0 {
		return nil, nextCursor, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load scanned values: %w", err)
	}

	entries := make([]repositories.KVEntry, 0, len(keys))
	for i, k := range keys {
		// Expired or removed between SCAN and MGET
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		entries = append(entries, repositories.KVEntry{
			Key:   kvstore.Split(strings.TrimPrefix(k, s.namespace)),
			Value: []byte(raw),
		})
	}

	s.logger.Debug("kv scan page", zap.Int("keys", len(entries)), zap.Bool("more", nextCursor != ""))
	return entries, nextCursor, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
