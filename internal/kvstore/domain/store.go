package domain

import (
	"context"
	"time"
)

// Store is the partitioned, range-sortable durable store every ledger
// component is built on. Backend failures are reported as ErrStoreUnavailable.
type Store interface {
	Put(ctx context.Context, item Item) error
	// Create writes item only when no live item holds its key and fails with
	// ErrAlreadyExists otherwise. An expired item is replaced.
	Create(ctx context.Context, item Item) error
	Get(ctx context.Context, key Key) (*Item, error)
	Update(ctx context.Context, key Key, update Update) (*Item, error)
	Delete(ctx context.Context, key Key) error
	Query(ctx context.Context, q Query) ([]Item, error)
	QueryIndex(ctx context.Context, q IndexQuery) ([]Item, error)
	Scan(ctx context.Context, filter ScanFilter) ([]Item, error)
	BatchDelete(ctx context.Context, keys []Key) error
	// PurgeExpired removes items whose expiry is at or before now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	Backend() string
}
