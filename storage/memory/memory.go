// Package memory provides a bounded in-memory storage.Storage backed by
// github.com/hashicorp/golang-lru/v2, with lazy expiry on read and a
// background sweep that bounds memory held by expired items.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/tokenauth/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSweepInterval is how often expired items are purged.
const DefaultSweepInterval = time.Minute

// Storage implements storage.Storage in memory.
type Storage struct {
	cache *lru.Cache[string, *storage.Item]
	now   func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Storage.
type Option func(*Storage, *time.Duration)

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(_ *Storage, iv *time.Duration) { *iv = d }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Storage, _ *time.Duration) { s.now = now }
}

// New creates an in-memory storage holding at most maxItems items; the
// least recently used item is evicted first.
func New(maxItems int, opts ...Option) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Storage{
		cache: cache,
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	interval := DefaultSweepInterval
	for _, opt := range opts {
		opt(s, &interval)
	}
	go s.sweep(interval)
	return s, nil
}

// Get returns the item under key unless it is missing or expired.
func (s *Storage) Get(ctx context.Context, key string) (*storage.Item, error) {
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if item.IsExpiredAt(s.now()) {
		s.cache.Remove(key)
		return nil, nil
	}
	return item, nil
}

// Set stores a copy of data under key.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o, err := storage.Apply(opts...)
	if err != nil {
		return err
	}
	now := s.now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}
	s.cache.Add(key, item)
	return nil
}

// Delete removes key.
func (s *Storage) Delete(ctx context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Len returns the number of items currently held, expired or not.
func (s *Storage) Len() int { return s.cache.Len() }

// Close stops the sweeper and drops all items.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.cache.Purge()
	})
	return nil
}

// Sweep removes every expired item now.
func (s *Storage) Sweep() int {
	now := s.now()
	removed := 0
	for _, key := range s.cache.Keys() {
		if item, ok := s.cache.Peek(key); ok && item.IsExpiredAt(now) {
			s.cache.Remove(key)
			removed++
		}
	}
	return removed
}

func (s *Storage) sweep(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
