// Package repository provides the storage-backed interfaces this module
// composes on top of: a Postgres-backed implementation of the domain
// repositories (entity.Repository, ledger.Ledger, procerror.Ledger,
// tenant.Store) and a Redis-backed CacheRepository for key/value
// caching, distributed locks and counters.
package repository

import (
	"context"
	"time"
)

// CacheRepository manages ephemeral data in Redis/Valkey: distributed
// locks (so only one worker acts on a given entity at a time), generic
// key/value caching and counters. tenant.Registry does not use it; its
// tenant cache is the in-process tenant.Cache.
//
// Consistency: eventually consistent, no durability guarantees.
type CacheRepository interface {
	// Distributed locking
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	IsLocked(ctx context.Context, key string) (bool, error)

	// Caching
	SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetCache(ctx context.Context, key string, value interface{}) error
	DeleteCache(ctx context.Context, key string) error

	// Counters (atomic increment/decrement of an integer key).
	Increment(ctx context.Context, key string) (int64, error)
	Decrement(ctx context.Context, key string) (int64, error)
}
