// Package store describes the shared key-value/list capability the queue engines
// run on, and provides the Redis implementation used in production.
package store

import (
	"context"
	"time"
)

// Store is the set of primitives the engines need from the shared backend.
// Implementations must be safe for concurrent use.
type Store interface {
	// LPush inserts values at the head of the list at key.
	LPush(ctx context.Context, key string, values ...string) error
	// RPush appends values at the tail of the list at key.
	RPush(ctx context.Context, key string, values ...string) error
	// LPop removes the head of the list. ok is false when the list is empty.
	LPop(ctx context.Context, key string) (value string, ok bool, err error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	// LRem removes up to count occurrences of value and returns how many were removed.
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	Del(ctx context.Context, keys ...string) error

	// Get returns the value at key. ok is false when the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if it is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DelIfEqual deletes key only while it still holds value.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) error

	// Atomic runs every command queued by fn as one all-or-nothing transaction.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers every message published on channel to fn until the
	// returned Subscription is closed.
	Subscribe(ctx context.Context, channel string, fn func(message string)) (Subscription, error)

	Close() error
}

// Tx queues commands for Store.Atomic. Results are not observable inside the transaction.
type Tx interface {
	LPush(key string, values ...string)
	RPush(key string, values ...string)
	LRem(key string, count int64, value string)
	LTrim(key string, start, stop int64)
	Del(keys ...string)
	HSet(key string, fields map[string]string)
	HIncrBy(key, field string, delta int64)
	Expire(key string, ttl time.Duration)
}

// Subscription is an active channel subscription.
type Subscription interface {
	Close() error
}
