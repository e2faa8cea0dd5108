package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/upb/oauth-issuer/repositories"
	"github.com/upb/oauth-issuer/repositories/kvstore"
)

type kvItem struct {
	value  []byte
	expiry *time.Time
}

// KVStore is an in-memory repositories.KVStore. Expired entries are dropped on access.
type KVStore struct {
	mu    sync.Mutex
	items map[string]kvItem
	now   func() time.Time
}

// NewKVStore creates an empty store
func NewKVStore() *KVStore {
	return &KVStore{items: make(map[string]kvItem), now: time.Now}
}

// WithClock replaces the clock used for expiry checks
func (s *KVStore) WithClock(now func() time.Time) *KVStore {
	s.now = now
	return s
}

// Get returns the value under key
func (s *KVStore) Get(ctx context.Context, key []string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flat := kvstore.Join(key)
	item, ok := s.items[flat]
	if !ok {
		return nil, false, nil
	}
	if s.expired(item) {
		delete(s.items, flat)
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

// Set stores value under key
func (s *KVStore) Set(ctx context.Context, key []string, value []byte, expiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := kvItem{value: append([]byte(nil), value...)}
	if expiry != nil {
		t := *expiry
		item.expiry = &t
	}
	s.items[kvstore.Join(key)] = item
	return nil
}

// Remove deletes key
func (s *KVStore) Remove(ctx context.Context, key []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, kvstore.Join(key))
	return nil
}

// Scan returns up to count live entries under prefix in key order, after cursor.
// The cursor is the flat key of the last entry returned.
func (s *KVStore) Scan(ctx context.Context, prefix []string, cursor string, count int) ([]repositories.KVEntry, string, error) {
	if count <= 0 {
		count = kvstore.DefaultPageSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	match := kvstore.PrefixOf(prefix)
	keys := make([]string, 0)
	for flat, item := range s.items {
		if !strings.HasPrefix(flat, match) || flat <= cursor {
			continue
		}
		if s.expired(item) {
			delete(s.items, flat)
			continue
		}
		keys = append(keys, flat)
	}
	sort.Strings(keys)

	next := ""
	if len(keys) > count {
		keys = keys[:count]
		next = keys[count-1]
	}

	entries := make([]repositories.KVEntry, 0, len(keys))
	for _, flat := range keys {
		entries = append(entries, repositories.KVEntry{
			Key:   kvstore.Split(flat),
			Value: append([]byte(nil), s.items[flat].value...),
		})
	}
	return entries, next, nil
}

func (s *KVStore) expired(item kvItem) bool {
	return item.expiry != nil && !s.now().Before(*item.expiry)
}
