package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/chatledger/internal/clock"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	backendName   = "redis"
	partitionsKey = "kv:partitions"
	pageSize      = 100

	attrPrefix    = "a:"
	counterPrefix = "c:"
	fieldPK       = "_pk"
	fieldSK       = "_sk"
	fieldIndexPK  = "_ipk"
	fieldIndexSK  = "_isk"
	fieldExpires  = "_exp"
)

type Params struct {
	fx.In

	Client  redis.UniversalClient
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
}

// Store maps every item to a hash and keeps one lexically ordered sorted set
// per partition so sort-key ranges are served by ZRANGEBYLEX.
type Store struct {
	client  redis.UniversalClient
	clock   clock.Clock
	log     *zap.Logger
	metrics *obsmetrics.LedgerMetrics
}

func NewStore(p Params) *Store {
	return &Store{
		client:  p.Client,
		clock:   p.Clock,
		log:     p.Log.Named("kvstore.redis"),
		metrics: p.Metrics,
	}
}

func (s *Store) Backend() string { return backendName }

type scriptRequest struct {
	PK      string            `json:"pk"`
	SK      string            `json:"sk"`
	Now     string            `json:"now"`
	Require string            `json:"require"`
	Absent  string            `json:"absent"`
	Cond    map[string]string `json:"cond"`
	Set     map[string]string `json:"set"`
	Del     []string          `json:"del"`
	SetC    map[string]string `json:"setc"`
	Add     map[string]string `json:"add"`
	IndexPK string            `json:"ipk"`
	IndexSK string            `json:"isk"`
	Expires string            `json:"exp"`
}

func newScriptRequest(key kvdomain.Key, now time.Time) scriptRequest {
	return scriptRequest{
		PK:   key.PK,
		SK:   key.SK,
		Now:  strconv.FormatInt(now.UnixMilli(), 10),
		Cond: map[string]string{},
		Set:  map[string]string{},
		Del:  []string{},
		SetC: map[string]string{},
		Add:  map[string]string{},
	}
}

func (s *Store) Put(ctx context.Context, item kvdomain.Item) error {
	if err := item.Key.Validate(); err != nil {
		return err
	}
	defer s.observe("put", time.Now())
	return s.put(ctx, "put", item, false)
}

func (s *Store) Create(ctx context.Context, item kvdomain.Item) error {
	if err := item.Key.Validate(); err != nil {
		return err
	}
	defer s.observe("create", time.Now())
	return s.put(ctx, "create", item, true)
}

func (s *Store) put(ctx context.Context, op string, item kvdomain.Item, absent bool) error {
	req := newScriptRequest(item.Key, s.clock.Now())
	if absent {
		req.Absent = "1"
	}
	for name, value := range item.Attrs {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: attr %s: %v", kvdomain.ErrSerialization, name, err)
		}
		req.Set[attrPrefix+name] = string(encoded)
	}
	for name, value := range item.Counters {
		req.SetC[counterPrefix+name] = strconv.FormatInt(value, 10)
	}
	if item.Index != nil {
		req.IndexPK, req.IndexSK = item.Index.PK, item.Index.SK
	}
	if item.ExpiresAt != nil {
		req.Expires = strconv.FormatInt(item.ExpiresAt.UnixMilli(), 10)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %v", kvdomain.ErrSerialization, err)
	}
	err = putLua.Run(ctx, s.client, s.scriptKeys(item.Key), string(payload)).Err()
	if err != nil && strings.Contains(err.Error(), "ALREADY_EXISTS") {
		return kvdomain.ErrAlreadyExists
	}
	return kvdomain.Unavailable(op, err)
}

func (s *Store) Get(ctx context.Context, key kvdomain.Key) (*kvdomain.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	defer s.observe("get", time.Now())

	fields, err := s.client.HGetAll(ctx, itemKey(key)).Result()
	if err != nil {
		return nil, kvdomain.Unavailable("get", err)
	}
	item, ok, err := s.decode(fields)
	if err != nil {
		return nil, err
	}
	if !ok || item.Expired(s.clock.Now()) {
		return nil, kvdomain.ErrNotFound
	}
	return item, nil
}

func (s *Store) Update(ctx context.Context, key kvdomain.Key, upd kvdomain.Update) (*kvdomain.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	defer s.observe("update", time.Now())

	req := newScriptRequest(key, s.clock.Now())
	if upd.RequireExists {
		req.Require = "1"
	}
	for name, want := range upd.IfCounters {
		req.Cond[counterPrefix+name] = strconv.FormatInt(want, 10)
	}
	for name, value := range upd.Set {
		if value == nil {
			req.Del = append(req.Del, attrPrefix+name)
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: attr %s: %v", kvdomain.ErrSerialization, name, err)
		}
		req.Set[attrPrefix+name] = string(encoded)
	}
	for name, value := range upd.SetCounters {
		req.SetC[counterPrefix+name] = strconv.FormatInt(value, 10)
	}
	for name, delta := range upd.Add {
		req.Add[counterPrefix+name] = strconv.FormatInt(delta, 10)
	}
	if upd.Index != nil {
		req.IndexPK, req.IndexSK = upd.Index.PK, upd.Index.SK
	}
	if upd.ExpiresAt != nil {
		req.Expires = strconv.FormatInt(upd.ExpiresAt.UnixMilli(), 10)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kvdomain.ErrSerialization, err)
	}

	res, err := updateLua.Run(ctx, s.client, s.scriptKeys(key), string(payload)).StringSlice()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "NOT_FOUND"):
			return nil, kvdomain.ErrNotFound
		case strings.Contains(err.Error(), "CONDITION_FAILED"):
			return nil, kvdomain.ErrConditionFailed
		default:
			return nil, kvdomain.Unavailable("update", err)
		}
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	item, _, err := s.decode(fields)
	return item, err
}

func (s *Store) Delete(ctx context.Context, key kvdomain.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.BatchDelete(ctx, []kvdomain.Key{key})
}

func (s *Store) BatchDelete(ctx context.Context, keys []kvdomain.Key) error {
	if len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		if err := key.Validate(); err != nil {
			return err
		}
	}
	defer s.observe("batch_delete", time.Now())

	indexes := make([]*redis.SliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			indexes[i] = pipe.HMGet(ctx, itemKey(key), fieldIndexPK, fieldIndexSK)
		}
		return nil
	})
	if err != nil {
		return kvdomain.Unavailable("batch_delete", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			pipe.Del(ctx, itemKey(key))
			pipe.ZRem(ctx, partitionKey(key.PK), key.SK)
			vals := indexes[i].Val()
			if len(vals) == 2 {
				ipk, _ := vals[0].(string)
				isk, _ := vals[1].(string)
				if ipk != "" {
					pipe.ZRem(ctx, indexKey(ipk), indexMember(isk, key))
				}
			}
		}
		return nil
	})
	return kvdomain.Unavailable("batch_delete", err)
}

func (s *Store) Query(ctx context.Context, q kvdomain.Query) ([]kvdomain.Item, error) {
	if strings.TrimSpace(q.PK) == "" {
		return nil, fmt.Errorf("%w: empty partition", kvdomain.ErrInvalidKey)
	}
	defer s.observe("query", time.Now())

	lower, upper := q.Bounds()
	members := func(offset int64) ([]string, error) {
		return s.rangeByLex(ctx, partitionKey(q.PK), lexMin(lower), lexMax(upper), offset, q.Descending)
	}
	toKey := func(member string) (kvdomain.Key, bool) {
		return kvdomain.Key{PK: q.PK, SK: member}, true
	}
	items, err := s.collect(ctx, members, toKey, q.Limit, nil)
	if err != nil {
		return nil, kvdomain.Unavailable("query", err)
	}
	return items, nil
}

func (s *Store) QueryIndex(ctx context.Context, q kvdomain.IndexQuery) ([]kvdomain.Item, error) {
	if strings.TrimSpace(q.IndexPK) == "" {
		return nil, fmt.Errorf("%w: empty index partition", kvdomain.ErrInvalidKey)
	}
	defer s.observe("query_index", time.Now())

	lower, upper := "", ""
	if q.Prefix != "" {
		lower, upper = q.Prefix, kvdomain.PrefixEnd(q.Prefix)
	}
	members := func(offset int64) ([]string, error) {
		return s.rangeByLex(ctx, indexKey(q.IndexPK), lexMin(lower), lexMax(upper), offset, q.Descending)
	}
	toKey := func(member string) (kvdomain.Key, bool) {
		parts := strings.SplitN(member, "\x00", 3)
		if len(parts) != 3 {
			return kvdomain.Key{}, false
		}
		return kvdomain.Key{PK: parts[1], SK: parts[2]}, true
	}
	// Members can outlive a re-indexed item; keep only items still indexed here.
	stillIndexed := func(item *kvdomain.Item) bool {
		return item.Index != nil && item.Index.PK == q.IndexPK
	}
	items, err := s.collect(ctx, members, toKey, q.Limit, stillIndexed)
	if err != nil {
		return nil, kvdomain.Unavailable("query_index", err)
	}
	return items, nil
}

func (s *Store) Scan(ctx context.Context, filter kvdomain.ScanFilter) ([]kvdomain.Item, error) {
	defer s.observe("scan", time.Now())

	lower, upper := "", ""
	if filter.PKPrefix != "" {
		lower, upper = filter.PKPrefix, kvdomain.PrefixEnd(filter.PKPrefix)
	}
	partitions, err := s.client.ZRangeByLex(ctx, partitionsKey, &redis.ZRangeBy{Min: lexMin(lower), Max: lexMax(upper)}).Result()
	if err != nil {
		return nil, kvdomain.Unavailable("scan", err)
	}

	out := []kvdomain.Item{}
	for _, pk := range partitions {
		remaining := 0
		if filter.Limit > 0 {
			remaining = filter.Limit - len(out)
			if remaining <= 0 {
				break
			}
		}
		items, err := s.Query(ctx, kvdomain.Query{PK: pk, Limit: remaining})
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	defer s.observe("purge_expired", time.Now())

	partitions, err := s.client.ZRange(ctx, partitionsKey, 0, -1).Result()
	if err != nil {
		return 0, kvdomain.Unavailable("purge_expired", err)
	}

	purged := 0
	for _, pk := range partitions {
		sks, err := s.client.ZRange(ctx, partitionKey(pk), 0, -1).Result()
		if err != nil {
			return purged, kvdomain.Unavailable("purge_expired", err)
		}
		if len(sks) == 0 {
			s.client.ZRem(ctx, partitionsKey, pk)
			continue
		}

		expiries := make([]*redis.StringCmd, len(sks))
		exists := make([]*redis.IntCmd, len(sks))
		_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, sk := range sks {
				key := kvdomain.Key{PK: pk, SK: sk}
				exists[i] = pipe.Exists(ctx, itemKey(key))
				expiries[i] = pipe.HGet(ctx, itemKey(key), fieldExpires)
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return purged, kvdomain.Unavailable("purge_expired", err)
		}

		var expired []kvdomain.Key
		for i, sk := range sks {
			key := kvdomain.Key{PK: pk, SK: sk}
			if exists[i].Val() == 0 {
				// Redis already expired the hash; drop the dangling member.
				expired = append(expired, key)
				continue
			}
			ms, convErr := strconv.ParseInt(expiries[i].Val(), 10, 64)
			if convErr == nil && ms <= now.UnixMilli() {
				expired = append(expired, key)
			}
		}
		if err := s.BatchDelete(ctx, expired); err != nil {
			return purged, err
		}
		purged += len(expired)
	}
	return purged, nil
}

func (s *Store) rangeByLex(ctx context.Context, key, min, max string, offset int64, descending bool) ([]string, error) {
	by := &redis.ZRangeBy{Min: min, Max: max, Offset: offset, Count: pageSize}
	if descending {
		return s.client.ZRevRangeByLex(ctx, key, by).Result()
	}
	return s.client.ZRangeByLex(ctx, key, by).Result()
}

// collect pages through sorted-set members, loading and filtering items until
// limit live items are gathered.
func (s *Store) collect(
	ctx context.Context,
	members func(offset int64) ([]string, error),
	toKey func(member string) (kvdomain.Key, bool),
	limit int,
	keep func(*kvdomain.Item) bool,
) ([]kvdomain.Item, error) {
	now := s.clock.Now()
	out := []kvdomain.Item{}

	for offset := int64(0); ; offset += pageSize {
		page, err := members(offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}

		keys := make([]kvdomain.Key, 0, len(page))
		for _, member := range page {
			if key, ok := toKey(member); ok {
				keys = append(keys, key)
			}
		}
		cmds := make([]*redis.MapStringStringCmd, len(keys))
		_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				cmds[i] = pipe.HGetAll(ctx, itemKey(key))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, cmd := range cmds {
			item, ok, err := s.decode(cmd.Val())
			if err != nil {
				s.log.Warn("skipping undecodable item", zap.Error(err))
				continue
			}
			if !ok || item.Expired(now) {
				continue
			}
			if keep != nil && !keep(item) {
				continue
			}
			out = append(out, *item)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}

		if len(page) < pageSize {
			return out, nil
		}
	}
}

func (s *Store) decode(fields map[string]string) (*kvdomain.Item, bool, error) {
	if len(fields) == 0 {
		return nil, false, nil
	}
	item := &kvdomain.Item{
		Key:   kvdomain.Key{PK: fields[fieldPK], SK: fields[fieldSK]},
		Attrs: map[string]any{},
	}
	for field, raw := range fields {
		switch {
		case strings.HasPrefix(field, attrPrefix):
			var value any
			if err := json.Unmarshal([]byte(raw), &value); err != nil {
				return nil, false, fmt.Errorf("%w: attr %s: %v", kvdomain.ErrSerialization, field, err)
			}
			item.Attrs[strings.TrimPrefix(field, attrPrefix)] = value
		case strings.HasPrefix(field, counterPrefix):
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, false, fmt.Errorf("%w: counter %s: %v", kvdomain.ErrSerialization, field, err)
			}
			if item.Counters == nil {
				item.Counters = map[string]int64{}
			}
			item.Counters[strings.TrimPrefix(field, counterPrefix)] = n
		}
	}
	if ipk, ok := fields[fieldIndexPK]; ok && ipk != "" {
		item.Index = &kvdomain.IndexKey{PK: ipk, SK: fields[fieldIndexSK]}
	}
	if raw, ok := fields[fieldExpires]; ok && raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			expires := time.UnixMilli(ms).UTC()
			item.ExpiresAt = &expires
		}
	}
	return item, true, nil
}

func (s *Store) scriptKeys(key kvdomain.Key) []string {
	return []string{itemKey(key), partitionKey(key.PK), partitionsKey}
}

func (s *Store) observe(op string, start time.Time) {
	s.metrics.ObserveStoreOperation(backendName, op, time.Since(start))
}

// Scripts touch the item, its partition set, the index sets and the
// partition registry in one call, so the store needs a single Redis node.
func itemKey(key kvdomain.Key) string {
	return "kv:{" + key.PK + "}:i:" + key.SK
}

func partitionKey(pk string) string {
	return "kv:{" + pk + "}:p"
}

func indexKey(indexPK string) string {
	return "kv:idx:" + indexPK
}

func indexMember(indexSK string, key kvdomain.Key) string {
	return indexSK + "\x00" + key.PK + "\x00" + key.SK
}

func lexMin(lower string) string {
	if lower == "" {
		return "-"
	}
	return "[" + lower
}

func lexMax(upper string) string {
	if upper == "" {
		return "+"
	}
	return "(" + upper
}

var _ kvdomain.Store = (*Store)(nil)
