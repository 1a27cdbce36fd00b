// Package storagetest is a conformance suite for storage.Storage
// implementations.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/tokenauth/storage"
)

// Factory creates a fresh, empty Storage for one subtest.
type Factory func(t *testing.T) storage.Storage

// Run executes the complete suite against the storage produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("InvalidTTL", func(t *testing.T) { testInvalidTTL(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("ConcurrentUpserts", func(t *testing.T) { testConcurrentUpserts(t, factory) })
}

func testSetAndGet(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil {
		t.Fatal("expected item, got nil")
	}
	if string(item.Data) != "v" {
		t.Fatalf("data = %q, want %q", item.Data, "v")
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil without TTL")
	}
}

func testGetMissing(t *testing.T, factory Factory) {
	s := factory(t)
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil for missing key, got %+v", item)
	}
}

func testOverwrite(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("one"))
	if err := s.Set(ctx, "k", []byte("two")); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil || item == nil || string(item.Data) != "two" {
		t.Fatalf("want upserted value, got %+v, %v", item, err)
	}
}

func testTTL(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	ttl := 100 * time.Millisecond
	if err := s.Set(ctx, "ttl", []byte("v"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.Get(ctx, "ttl")
	if err != nil || item == nil {
		t.Fatalf("expected item before expiry, got %+v, %v", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("ExpiresAt should be set with TTL")
	}
	time.Sleep(ttl + 50*time.Millisecond)
	item, err = s.Get(ctx, "ttl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item != nil {
		t.Fatal("expected nil for expired item")
	}
}

func testInvalidTTL(t *testing.T, factory Factory) {
	s := factory(t)
	err := s.Set(context.Background(), "k", []byte("v"), storage.WithTTL(0))
	if !errors.Is(err, storage.ErrInvalidTTL) {
		t.Fatalf("want ErrInvalidTTL, got %v", err)
	}
}

func testDelete(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"))
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if item, _ := s.Get(ctx, "k"); item != nil {
		t.Fatal("expected nil after delete")
	}
	if err := s.Delete(ctx, "never-set"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func testConcurrentUpserts(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			if err := s.Set(ctx, key, []byte("v"), storage.WithTTL(time.Minute)); err != nil {
				t.Errorf("set: %v", err)
			}
			if _, err := s.Get(ctx, key); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		if item, err := s.Get(ctx, fmt.Sprintf("k%d", i)); err != nil || item == nil {
			t.Fatalf("k%d missing after concurrent upserts: %+v, %v", i, item, err)
		}
	}
}
