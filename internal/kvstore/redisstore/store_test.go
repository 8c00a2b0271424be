package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/chatledger/internal/clock"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(testNow)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewFakeClock(testNow)
	return NewStore(Params{Client: client, Clock: clk, Log: zap.NewNop()}), clk, mr
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	item := kvdomain.Item{
		Key:      kvdomain.Key{PK: "SESSION#acme#u1", SK: "SESSION#s-1"},
		Attrs:    map[string]any{"title": "hello", "metadata": map[string]any{"channel": "web"}},
		Counters: map[string]int64{"message_count": 2},
		Index:    &kvdomain.IndexKey{PK: "TENANT#acme", SK: "SESSION#2025-03-14T09:30:00Z"},
	}
	require.NoError(t, store.Put(ctx, item))

	got, err := store.Get(ctx, item.Key)
	require.NoError(t, err)
	assert.Equal(t, item.Key, got.Key)
	assert.Equal(t, "hello", got.String("title"))
	assert.Equal(t, "web", got.Map("metadata")["channel"])
	assert.Equal(t, int64(2), got.Int("message_count"))
	require.NotNil(t, got.Index)
	assert.Equal(t, "TENANT#acme", got.Index.PK)

	require.NoError(t, store.Put(ctx, kvdomain.Item{Key: item.Key, Attrs: map[string]any{"title": "replaced"}}))
	got, err = store.Get(ctx, item.Key)
	require.NoError(t, err)
	assert.Equal(t, "replaced", got.String("title"))
	assert.Equal(t, int64(0), got.Int("message_count"))
	assert.Nil(t, got.Index)

	items, err := store.QueryIndex(ctx, kvdomain.IndexQuery{IndexPK: "TENANT#acme"})
	require.NoError(t, err)
	assert.Empty(t, items, "replacing an item drops its old index entry")
}

func TestStore_CreateOnlyWhenAbsent(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()
	expires := testNow.Add(time.Hour)
	key := kvdomain.Key{PK: "SESSION#acme#u1", SK: "SESSION#fixed"}

	require.NoError(t, store.Create(ctx, kvdomain.Item{
		Key:       key,
		Attrs:     map[string]any{"title": "first"},
		Counters:  map[string]int64{"message_count": 3},
		ExpiresAt: &expires,
	}))

	err := store.Create(ctx, kvdomain.Item{Key: key, Attrs: map[string]any{"title": "second"}})
	assert.True(t, errors.Is(err, kvdomain.ErrAlreadyExists))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "first", got.String("title"))
	assert.Equal(t, int64(3), got.Int("message_count"))

	// An expired holder no longer owns the key.
	clk.Advance(2 * time.Hour)
	require.NoError(t, store.Create(ctx, kvdomain.Item{Key: key, Attrs: map[string]any{"title": "third"}}))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "third", got.String("title"))
	assert.Equal(t, int64(0), got.Int("message_count"))
	assert.Nil(t, got.ExpiresAt)
}

func TestStore_GetMissingAndInvalid(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, kvdomain.Key{PK: "SESSION#acme#u1", SK: "SESSION#nope"})
	assert.True(t, errors.Is(err, kvdomain.ErrNotFound))

	_, err = store.Get(ctx, kvdomain.Key{PK: "", SK: "x"})
	assert.True(t, errors.Is(err, kvdomain.ErrInvalidKey))
}

func TestStore_UpdateCountersAndConditions(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	key := kvdomain.Key{PK: "SUB#acme", SK: "SUB#basic#current"}

	item, err := store.Update(ctx, key, kvdomain.Update{
		Set:         map[string]any{"tier": "basic"},
		SetCounters: map[string]int64{"reset_day": 100},
		Add:         map[string]int64{"daily_usage": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), item.Int("daily_usage"))
	assert.Equal(t, "basic", item.String("tier"))

	_, err = store.Update(ctx, key, kvdomain.Update{
		IfCounters:  map[string]int64{"reset_day": 99},
		SetCounters: map[string]int64{"daily_usage": 0},
	})
	assert.True(t, errors.Is(err, kvdomain.ErrConditionFailed))

	item, err = store.Update(ctx, key, kvdomain.Update{
		IfCounters:  map[string]int64{"reset_day": 100},
		SetCounters: map[string]int64{"daily_usage": 0, "reset_day": 101},
		Set:         map[string]any{"tier": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), item.Int("daily_usage"))
	assert.Equal(t, int64(101), item.Int("reset_day"))
	_, present := item.Attrs["tier"]
	assert.False(t, present)
}

func TestStore_UpdateRequireExists(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	key := kvdomain.Key{PK: "SESSION#acme#u1", SK: "SESSION#gone"}

	_, err := store.Update(ctx, key, kvdomain.Update{Add: map[string]int64{"total_tokens": 10}, RequireExists: true})
	assert.True(t, errors.Is(err, kvdomain.ErrNotFound))

	_, err = store.Get(ctx, key)
	assert.True(t, errors.Is(err, kvdomain.ErrNotFound))
}

func TestStore_QueryRangeAndOrder(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	pk := "SESSION#acme#u1"

	for i := 1; i <= 5; i++ {
		sk := fmt.Sprintf("MSG#s-1#%04d", i)
		require.NoError(t, store.Put(ctx, kvdomain.Item{Key: kvdomain.Key{PK: pk, SK: sk}, Attrs: map[string]any{"n": i}}))
	}
	require.NoError(t, store.Put(ctx, kvdomain.Item{Key: kvdomain.Key{PK: pk, SK: "MSG#s-10#0001"}}))
	require.NoError(t, store.Put(ctx, kvdomain.Item{Key: kvdomain.Key{PK: pk, SK: "SESSION#s-1"}}))

	items, err := store.Query(ctx, kvdomain.Query{PK: pk, Prefix: "MSG#s-1#"})
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, "MSG#s-1#0001", items[0].SK)
	assert.Equal(t, int64(5), items[4].Int("n"))

	items, err = store.Query(ctx, kvdomain.Query{PK: pk, Prefix: "MSG#s-1#", Limit: 2, Descending: true})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "MSG#s-1#0005", items[0].SK)
	assert.Equal(t, "MSG#s-1#0004", items[1].SK)

	items, err = store.Query(ctx, kvdomain.Query{PK: pk, From: "MSG#s-1#0002", Until: "MSG#s-1#0004"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "MSG#s-1#0003", items[1].SK)
}

func TestStore_QueryPagesPastPageSize(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	pk := "USAGE#acme"

	for i := 0; i < pageSize+20; i++ {
		require.NoError(t, store.Put(ctx, kvdomain.Item{Key: kvdomain.Key{PK: pk, SK: fmt.Sprintf("USAGE#%05d", i)}}))
	}

	items, err := store.Query(ctx, kvdomain.Query{PK: pk, Prefix: "USAGE#"})
	require.NoError(t, err)
	assert.Len(t, items, pageSize+20)
}

func TestStore_ExpiryHidesAndPurges(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()
	expires := testNow.Add(time.Hour)
	key := kvdomain.Key{PK: "SESSION#acme#u1", SK: "SESSION#s-1"}
	require.NoError(t, store.Put(ctx, kvdomain.Item{Key: key, ExpiresAt: &expires}))
	require.NoError(t, store.Put(ctx, kvdomain.Item{Key: kvdomain.Key{PK: key.PK, SK: "SESSION#s-2"}}))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))

	clk.Advance(2 * time.Hour)
	_, err = store.Get(ctx, key)
	assert.True(t, errors.Is(err, kvdomain.ErrNotFound))

	items, err := store.Query(ctx, kvdomain.Query{PK: key.PK, Prefix: "SESSION#"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "SESSION#s-2", items[0].SK)

	purged, err := store.PurgeExpired(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestStore_NativeExpiryLeavesNoDanglingMembers(t *testing.T) {
	store, clk, mr := newTestStore(t)
	ctx := context.Background()
	expires := testNow.Add(time.Minute)
	key := kvdomain.Key{PK: "SESSION#acme#u1", SK: "SESSION#s-1"}
	require.NoError(t, store.Put(ctx, kvdomain.Item{Key: key, ExpiresAt: &expires}))

	mr.FastForward(2 * time.Minute)
	clk.Advance(2 * time.Minute)

	purged, err := store.PurgeExpired(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	members, err := mr.ZMembers(partitionKey(key.PK))
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestStore_QueryIndexAndScan(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	put := func(pk, sk, ipk, isk string) {
		require.NoError(t, store.Put(ctx, kvdomain.Item{
			Key:   kvdomain.Key{PK: pk, SK: sk},
			Index: &kvdomain.IndexKey{PK: ipk, SK: isk},
		}))
	}
	put("SESSION#acme#u1", "SESSION#s-1", "TENANT#acme", "SESSION#2025-03-01")
	put("SESSION#acme#u2", "SESSION#s-2", "TENANT#acme", "SESSION#2025-03-02")
	put("SESSION#globex#u1", "SESSION#s-3", "TENANT#globex", "SESSION#2025-03-03")
	put("SUB#acme", "SUB#basic#current", "TIER#basic", "TENANT#acme")

	items, err := store.QueryIndex(ctx, kvdomain.IndexQuery{IndexPK: "TENANT#acme", Prefix: "SESSION#", Descending: true})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "SESSION#s-2", items[0].SK)
	assert.Equal(t, "SESSION#acme#u2", items[0].PK)

	// Moving the item to another tier re-indexes it.
	_, err = store.Update(ctx, kvdomain.Key{PK: "SUB#acme", SK: "SUB#basic#current"}, kvdomain.Update{
		Index: &kvdomain.IndexKey{PK: "TIER#premium", SK: "TENANT#acme"},
	})
	require.NoError(t, err)
	items, err = store.QueryIndex(ctx, kvdomain.IndexQuery{IndexPK: "TIER#basic"})
	require.NoError(t, err)
	assert.Empty(t, items)
	items, err = store.QueryIndex(ctx, kvdomain.IndexQuery{IndexPK: "TIER#premium"})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	items, err = store.Scan(ctx, kvdomain.ScanFilter{PKPrefix: "SUB#"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "SUB#acme", items[0].PK)

	items, err = store.Scan(ctx, kvdomain.ScanFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestStore_BatchDelete(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	pk := "SESSION#acme#u1"

	var keys []kvdomain.Key
	for i := 0; i < 3; i++ {
		key := kvdomain.Key{PK: pk, SK: fmt.Sprintf("MSG#s-1#%d", i)}
		keys = append(keys, key)
		_, err := store.Update(ctx, key, kvdomain.Update{Add: map[string]int64{"n": 1}})
		require.NoError(t, err)
	}

	require.NoError(t, store.BatchDelete(ctx, keys))
	items, err := store.Query(ctx, kvdomain.Query{PK: pk, Prefix: "MSG#"})
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, store.Delete(ctx, keys[0]), "deleting a missing key is not an error")
}

func TestStore_ConcurrentAddNoLostUpdates(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	key := kvdomain.Key{PK: "SUB#acme", SK: "SUB#basic#current"}

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, key, kvdomain.Update{Add: map[string]int64{"daily_usage": 1}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	item, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), item.Int("daily_usage"))
}

func TestStore_UnavailableBackend(t *testing.T) {
	store, _, mr := newTestStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), kvdomain.Key{PK: "SUB#acme", SK: "SUB#basic#current"})
	assert.True(t, errors.Is(err, kvdomain.ErrStoreUnavailable))
}
