// Package kvstore holds key encoding and iteration helpers shared by the
// repositories.KVStore implementations.
package kvstore

import (
	"context"
	"iter"
	"strings"

	"github.com/upb/oauth-issuer/repositories"
)

// Separator joins key segments. It cannot appear in tenant, user or token identifiers.
const Separator = "\x1f"

// DefaultPageSize is used by All when the caller passes a non-positive page size
const DefaultPageSize = 100

// Join encodes key segments into a flat key
func Join(key []string) string {
	return strings.Join(key, Separator)
}

// Split decodes a flat key into its segments
func Split(flat string) []string {
	if flat == "" {
		return nil
	}
	return strings.Split(flat, Separator)
}

// PrefixOf returns the flat prefix that matches every key under the segment prefix
func PrefixOf(prefix []string) string {
	if len(prefix) == 0 {
		return ""
	}
	return Join(prefix) + Separator
}

// All lazily walks every entry under prefix, fetching one page per Scan call.
// Iteration stops at the first error, which is yielded with a zero entry.
func All(ctx context.Context, store repositories.KVStore, prefix []string, pageSize int) iter.Seq2[repositories.KVEntry, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(repositories.KVEntry, error) bool) {
		cursor := ""
		for {
			entries, next, err := store.Scan(ctx, prefix, cursor, pageSize)
			if err != nil {
				yield(repositories.KVEntry{}, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
			if next == "" {
				return
			}
			cursor = next
		}
	}
}

// RefreshTokenKey is where the refresh-token blob of one account session lives
func RefreshTokenKey(tenantID, userID, token string) []string {
	return []string{"oauth:refresh", tenantID, userID, token}
}

// RefreshTokenPrefix matches every refresh-token blob of a user in a tenant
func RefreshTokenPrefix(tenantID, userID string) []string {
	return []string{"oauth:refresh", tenantID, userID}
}
