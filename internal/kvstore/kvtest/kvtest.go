// Package kvtest builds throwaway stores for package tests.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/smallbiznis/chatledger/internal/kvstore/gormstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewSQLStore returns a gorm store on a private in-memory SQLite database.
func NewSQLStore(t testing.TB, clk clock.Clock) *gormstore.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gormstore.NewStore(gormstore.Params{DB: db, Clock: clk, Log: zap.NewNop()})
}

var errBackendDown = errors.New("backend down")

// FlakyStore forwards to Store until SetDown(true), after which every call
// fails with ErrStoreUnavailable.
type FlakyStore struct {
	domain.Store
	down atomic.Bool
}

func NewFlakyStore(store domain.Store) *FlakyStore {
	return &FlakyStore{Store: store}
}

func (f *FlakyStore) SetDown(down bool) { f.down.Store(down) }

func (f *FlakyStore) fail(op string) error {
	if f.down.Load() {
		return domain.Unavailable(op, errBackendDown)
	}
	return nil
}

func (f *FlakyStore) Put(ctx context.Context, item domain.Item) error {
	if err := f.fail("put"); err != nil {
		return err
	}
	return f.Store.Put(ctx, item)
}

func (f *FlakyStore) Create(ctx context.Context, item domain.Item) error {
	if err := f.fail("create"); err != nil {
		return err
	}
	return f.Store.Create(ctx, item)
}

func (f *FlakyStore) Get(ctx context.Context, key domain.Key) (*domain.Item, error) {
	if err := f.fail("get"); err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, key)
}

func (f *FlakyStore) Update(ctx context.Context, key domain.Key, upd domain.Update) (*domain.Item, error) {
	if err := f.fail("update"); err != nil {
		return nil, err
	}
	return f.Store.Update(ctx, key, upd)
}

func (f *FlakyStore) Delete(ctx context.Context, key domain.Key) error {
	if err := f.fail("delete"); err != nil {
		return err
	}
	return f.Store.Delete(ctx, key)
}

func (f *FlakyStore) Query(ctx context.Context, q domain.Query) ([]domain.Item, error) {
	if err := f.fail("query"); err != nil {
		return nil, err
	}
	return f.Store.Query(ctx, q)
}

func (f *FlakyStore) QueryIndex(ctx context.Context, q domain.IndexQuery) ([]domain.Item, error) {
	if err := f.fail("query_index"); err != nil {
		return nil, err
	}
	return f.Store.QueryIndex(ctx, q)
}

func (f *FlakyStore) Scan(ctx context.Context, filter domain.ScanFilter) ([]domain.Item, error) {
	if err := f.fail("scan"); err != nil {
		return nil, err
	}
	return f.Store.Scan(ctx, filter)
}

func (f *FlakyStore) BatchDelete(ctx context.Context, keys []domain.Key) error {
	if err := f.fail("batch_delete"); err != nil {
		return err
	}
	return f.Store.BatchDelete(ctx, keys)
}

func (f *FlakyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := f.fail("purge_expired"); err != nil {
		return 0, err
	}
	return f.Store.PurgeExpired(ctx, now)
}
