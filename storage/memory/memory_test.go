package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/tokenauth/storage"
	"github.com/ggoodman/tokenauth/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s, err := New(128)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSweepRemovesExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, err := New(16, WithClock(clock.Now), WithSweepInterval(time.Hour))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "short", []byte("a"), storage.WithTTL(time.Second))
	_ = s.Set(ctx, "long", []byte("b"), storage.WithTTL(time.Hour))
	_ = s.Set(ctx, "forever", []byte("c"))

	clock.Advance(time.Second)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d items, want 1", n)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if item, _ := s.Get(ctx, "long"); item == nil {
		t.Fatal("long-lived item should survive")
	}
}

func TestExpiryIsExclusiveOfDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, err := New(16, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"), storage.WithTTL(time.Minute))
	clock.Advance(time.Minute - time.Nanosecond)
	if item, _ := s.Get(ctx, "k"); item == nil {
		t.Fatal("item should be live just before its deadline")
	}
	clock.Advance(time.Nanosecond)
	if item, _ := s.Get(ctx, "k"); item != nil {
		t.Fatal("item should be gone at its deadline")
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"))
	_ = s.Set(ctx, "b", []byte("2"))
	_, _ = s.Get(ctx, "a")
	_ = s.Set(ctx, "c", []byte("3"))

	if item, _ := s.Get(ctx, "b"); item != nil {
		t.Fatal("b should have been evicted")
	}
	if item, _ := s.Get(ctx, "a"); item == nil {
		t.Fatal("a should remain")
	}
}

func TestSetCopiesData(t *testing.T) {
	s, err := New(4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	buf := []byte("orig")
	_ = s.Set(ctx, "k", buf)
	buf[0] = 'X'
	item, _ := s.Get(ctx, "k")
	if string(item.Data) != "orig" {
		t.Fatalf("stored data mutated: %q", item.Data)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := New(4, WithSweepInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
