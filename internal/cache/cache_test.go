package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory PersistentStore for tests.
type fakeStore struct {
	entries map[string]fakeEntry
}

type fakeEntry struct {
	data      []byte
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]fakeEntry)}
}

func (f *fakeStore) GetCacheEntry(key string) ([]byte, time.Time, error) {
	ent, ok := f.entries[key]
	if !ok {
		return nil, time.Time{}, errors.New("not found")
	}
	return ent.data, ent.expiresAt, nil
}

func (f *fakeStore) PutCacheEntry(key string, data []byte, expiresAt time.Time) error {
	f.entries[key] = fakeEntry{data: data, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) DeleteCacheEntry(key string) error {
	delete(f.entries, key)
	return nil
}

func (f *fakeStore) ClearCacheEntries() error {
	f.entries = make(map[string]fakeEntry)
	return nil
}

type payload struct {
	Name string `json:"name"`
}

func TestPutGet(t *testing.T) {
	c, err := New[payload](8, newFakeStore(), testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	c.Put("k", payload{Name: "skyfactory"}, time.Minute)

	got, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "skyfactory" {
		t.Errorf("got %q, want skyfactory", got.Name)
	}
}

func TestGetMiss(t *testing.T) {
	c, err := New[payload](8, nil, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := c.Get("absent"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
}

func TestExpiredMemoryEntry(t *testing.T) {
	c, err := New[payload](8, nil, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	c.Put("k", payload{Name: "stale"}, -time.Second)
	if _, err := c.Get("k"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss for expired entry, got %v", err)
	}
}

func TestPersistentHitReseedsMemory(t *testing.T) {
	store := newFakeStore()
	data, _ := json.Marshal(payload{Name: "persisted"})
	store.entries["k"] = fakeEntry{data: data, expiresAt: time.Now().Add(time.Hour)}

	c, err := New[payload](8, store, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	got, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "persisted" {
		t.Errorf("got %q, want persisted", got.Name)
	}

	// Remove from the store; the memory tier must now serve it.
	delete(store.entries, "k")
	got, err = c.Get("k")
	if err != nil {
		t.Fatalf("Get() after reseed failed: %v", err)
	}
	if got.Name != "persisted" {
		t.Errorf("memory tier not reseeded: got %q", got.Name)
	}
}

func TestPersistentExpiredEntryIgnored(t *testing.T) {
	store := newFakeStore()
	data, _ := json.Marshal(payload{Name: "old"})
	store.entries["k"] = fakeEntry{data: data, expiresAt: time.Now().Add(-time.Minute)}

	c, err := New[payload](8, store, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := c.Get("k"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss for expired persisted entry, got %v", err)
	}
}

func TestGetOrFetch(t *testing.T) {
	c, err := New[payload](8, newFakeStore(), testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	fetches := 0
	fetch := func(ctx context.Context) (payload, error) {
		fetches++
		return payload{Name: "fetched"}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		if err != nil {
			t.Fatalf("GetOrFetch() failed: %v", err)
		}
		if got.Name != "fetched" {
			t.Errorf("got %q, want fetched", got.Name)
		}
	}
	if fetches != 1 {
		t.Errorf("expected 1 upstream fetch, got %d", fetches)
	}
}

func TestGetOrFetchError(t *testing.T) {
	c, err := New[payload](8, nil, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	wantErr := errors.New("upstream down")
	_, err = c.GetOrFetch(context.Background(), "k", time.Minute, func(ctx context.Context) (payload, error) {
		return payload{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected upstream error, got %v", err)
	}
	// Failure must not poison the cache.
	if _, err := c.Get("k"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after failed fetch, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	store := newFakeStore()
	c, err := New[payload](8, store, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	c.Put("k", payload{Name: "x"}, time.Minute)
	c.Invalidate("k")

	if _, err := c.Get("k"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after invalidate, got %v", err)
	}
	if _, ok := store.entries["k"]; ok {
		t.Error("expected persisted entry to be deleted")
	}
}

func TestClear(t *testing.T) {
	store := newFakeStore()
	c, err := New[payload](8, store, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	c.Put("a", payload{Name: "a"}, time.Minute)
	c.Put("b", payload{Name: "b"}, time.Minute)
	c.Clear()

	if _, err := c.Get("a"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after clear, got %v", err)
	}
	if len(store.entries) != 0 {
		t.Errorf("expected empty store, got %d entries", len(store.entries))
	}
}
