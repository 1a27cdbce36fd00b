// Package storage defines the key-value contract used to cache the outcome
// of remote token validation. Backends live in the memory and redis
// subpackages; storagetest holds a conformance suite for implementations.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a flat, concurrency-safe key-value store with per-item expiry.
// Writes are upserts. Expired items must never be returned by Get; they may
// be evicted lazily on read.
type Storage interface {
	// Get returns the item stored under key, or nil if it does not exist or
	// has expired. An error is returned only for backend failures.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key, replacing any previous item.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has expired.
func (i *Item) IsExpired() bool { return i.IsExpiredAt(time.Now()) }

// IsExpiredAt reports whether the item has expired at now.
func (i *Item) IsExpiredAt(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// Option configures a Set call.
type Option func(*Options)

// Options holds the resolved Set options.
type Options struct {
	TTL *time.Duration
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// Apply resolves opts.
func Apply(opts ...Option) (Options, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.TTL != nil && *o.TTL <= 0 {
		return o, ErrInvalidTTL
	}
	return o, nil
}

// ErrInvalidTTL is returned by Set when a non-positive TTL is supplied.
var ErrInvalidTTL = errors.New("storage: ttl must be positive")
