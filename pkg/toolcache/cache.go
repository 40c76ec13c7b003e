// Package toolcache implements the tool-result cache: a (namespace, key)
// -> value document with TTL, where namespace carries an operator-bumped
// version suffix so a version bump invalidates reads without a row
// migration, per the ToolResultCache record.
package toolcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sendcat/chat-gateway/internal/telemetry"
)

// Store is the capability handle the cache is read/written through.
type Store interface {
	Get(ctx context.Context, namespace, key string) (valueJSON string, found bool, err error)
	Put(ctx context.Context, namespace, key, valueJSON string, expiresAt time.Time) error
	CountActiveByNamespace(ctx context.Context, now time.Time) (map[string]int, error)
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

// Cache wraps Store with the namespace-versioning and key-derivation rules.
type Cache struct {
	store Store
}

func NewCache(store Store) *Cache {
	return &Cache{store: store}
}

// Namespace builds the versioned namespace for a tool, e.g.
// "search_web_v1" for (search_web, "v1").
func Namespace(toolName, version string) string {
	return fmt.Sprintf("%s_%s", toolName, version)
}

// KeyFor derives a stable cache key from a tool's request payload: same
// payload, same key, regardless of call order.
func KeyFor(payloadJSON string) string {
	sum := sha256.Sum256([]byte(payloadJSON))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for (toolName, version, payloadJSON), if
// present and unexpired.
func (c *Cache) Get(ctx context.Context, toolName, version, payloadJSON string) (string, bool, error) {
	value, found, err := c.store.Get(ctx, Namespace(toolName, version), KeyFor(payloadJSON))
	if err == nil {
		outcome := "miss"
		if found {
			outcome = "hit"
		}
		telemetry.ToolCacheHitsTotal.WithLabelValues(toolName, outcome).Inc()
	}
	return value, found, err
}

// Put stores a tool result for ttlMs milliseconds.
func (c *Cache) Put(ctx context.Context, toolName, version, payloadJSON, resultJSON string, ttlMs int) error {
	expiresAt := time.Now().Add(time.Duration(ttlMs) * time.Millisecond)
	return c.store.Put(ctx, Namespace(toolName, version), KeyFor(payloadJSON), resultJSON, expiresAt)
}
