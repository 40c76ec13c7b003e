package toolcache

import (
	"context"
	"testing"
	"time"
)

type memEntry struct {
	valueJSON string
	expiresAt time.Time
}

type memStore struct {
	entries map[string]map[string]memEntry
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]map[string]memEntry{}}
}

func (m *memStore) Get(_ context.Context, namespace, key string) (string, bool, error) {
	ns, ok := m.entries[namespace]
	if !ok {
		return "", false, nil
	}
	e, ok := ns[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false, nil
	}
	return e.valueJSON, true, nil
}

func (m *memStore) Put(_ context.Context, namespace, key, valueJSON string, expiresAt time.Time) error {
	if m.entries[namespace] == nil {
		m.entries[namespace] = map[string]memEntry{}
	}
	m.entries[namespace][key] = memEntry{valueJSON: valueJSON, expiresAt: expiresAt}
	return nil
}

func (m *memStore) CountActiveByNamespace(_ context.Context, now time.Time) (map[string]int, error) {
	out := map[string]int{}
	for ns, entries := range m.entries {
		for _, e := range entries {
			if now.Before(e.expiresAt) {
				out[ns]++
			}
		}
	}
	return out, nil
}

func (m *memStore) CleanupExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, entries := range m.entries {
		for key, e := range entries {
			if !now.Before(e.expiresAt) {
				delete(entries, key)
				n++
			}
		}
	}
	return n, nil
}

func TestCache_PutThenGetHits(t *testing.T) {
	ctx := context.Background()
	c := NewCache(newMemStore())

	if err := c.Put(ctx, "search_web", "v3", `{"q":"golang"}`, `{"result":"ok"}`, 60_000); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, found, err := c.Get(ctx, "search_web", "v3", `{"q":"golang"}`)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || value != `{"result":"ok"}` {
		t.Fatalf("got (%q,%v), want cached value", value, found)
	}
}

func TestCache_DifferentVersionMisses(t *testing.T) {
	ctx := context.Background()
	c := NewCache(newMemStore())

	if err := c.Put(ctx, "search_web", "v3", `{"q":"golang"}`, `{"result":"ok"}`, 60_000); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, found, err := c.Get(ctx, "search_web", "v4", `{"q":"golang"}`)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("expected a version bump to invalidate the read, not find a hit")
	}
}

func TestCache_DifferentPayloadMisses(t *testing.T) {
	ctx := context.Background()
	c := NewCache(newMemStore())

	if err := c.Put(ctx, "search_web", "v3", `{"q":"golang"}`, `{"result":"ok"}`, 60_000); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, found, err := c.Get(ctx, "search_web", "v3", `{"q":"rust"}`)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("expected a different payload to derive a different key")
	}
}

func TestCache_ExpiredEntryMisses(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewCache(store)

	if err := c.Put(ctx, "search_web", "v3", `{"q":"golang"}`, `{"result":"ok"}`, -1); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, found, err := c.Get(ctx, "search_web", "v3", `{"q":"golang"}`)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("expected an already-expired entry to miss")
	}
}
