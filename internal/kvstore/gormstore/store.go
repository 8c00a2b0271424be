package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/chatledger/internal/clock"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	backendName     = "sql"
	notExpiredQuery = "(expires_at IS NULL OR expires_at > ?)"
	batchChunkSize  = 200
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
}

// Store keeps ledger items in one table and their counters in another so
// increments are single-row upserts.
type Store struct {
	db      *gorm.DB
	clock   clock.Clock
	log     *zap.Logger
	metrics *obsmetrics.LedgerMetrics
}

func NewStore(p Params) *Store {
	return &Store{
		db:      p.DB,
		clock:   p.Clock,
		log:     p.Log.Named("kvstore.sql"),
		metrics: p.Metrics,
	}
}

func (s *Store) Backend() string { return backendName }

func (s *Store) Put(ctx context.Context, item kvdomain.Item) error {
	if err := item.Key.Validate(); err != nil {
		return err
	}
	defer s.observe("put", time.Now())

	row := toRow(item, s.clock.Now())
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return writeItem(tx, item, row)
	})
	return kvdomain.Unavailable("put", err)
}

func (s *Store) Create(ctx context.Context, item kvdomain.Item) error {
	if err := item.Key.Validate(); err != nil {
		return err
	}
	defer s.observe("create", time.Now())

	now := s.clock.Now()
	row := toRow(item, now)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// The key is taken; only an expired holder that was never purged may be replaced.
			current, err := s.get(ctx, tx, item.Key, true)
			if err != nil && !errors.Is(err, kvdomain.ErrNotFound) {
				return err
			}
			if current != nil && !current.Expired(now) {
				return kvdomain.ErrAlreadyExists
			}
		}
		return writeItem(tx, item, row)
	})
	if errors.Is(err, kvdomain.ErrAlreadyExists) {
		return err
	}
	return kvdomain.Unavailable("create", err)
}

// writeItem replaces the item row and all of its counters.
func writeItem(tx *gorm.DB, item kvdomain.Item, row itemRow) error {
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return err
	}
	if err := tx.Where("pk = ? AND sk = ?", item.PK, item.SK).Delete(&counterRow{}).Error; err != nil {
		return err
	}
	rows := counterRows(item.Key, item.Counters)
	if len(rows) == 0 {
		return nil
	}
	return tx.Create(&rows).Error
}

func (s *Store) Get(ctx context.Context, key kvdomain.Key) (*kvdomain.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	defer s.observe("get", time.Now())

	item, err := s.get(ctx, s.db.WithContext(ctx), key, false)
	if err != nil {
		if errors.Is(err, kvdomain.ErrNotFound) {
			return nil, err
		}
		return nil, kvdomain.Unavailable("get", err)
	}
	if item.Expired(s.clock.Now()) {
		return nil, kvdomain.ErrNotFound
	}
	return item, nil
}

func (s *Store) Update(ctx context.Context, key kvdomain.Key, upd kvdomain.Update) (*kvdomain.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	defer s.observe("update", time.Now())

	now := s.clock.Now()
	var out *kvdomain.Item

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !upd.RequireExists {
			seed := itemRow{PK: key.PK, SK: key.SK, Attrs: datatypes.JSONMap{}, UpdatedAt: now}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
				return err
			}
		}

		lock := upd.RequireExists || len(upd.IfCounters) > 0 || len(upd.Set) > 0 || upd.Index != nil || upd.ExpiresAt != nil
		current, err := s.get(ctx, tx, key, lock)
		if err != nil {
			return err
		}
		if upd.RequireExists && current.Expired(now) {
			return kvdomain.ErrNotFound
		}
		for name, want := range upd.IfCounters {
			if current.Counters[name] != want {
				return kvdomain.ErrConditionFailed
			}
		}

		changes := map[string]any{}
		if len(upd.Set) > 0 {
			attrs := datatypes.JSONMap{}
			for k, v := range current.Attrs {
				attrs[k] = v
			}
			for k, v := range upd.Set {
				if v == nil {
					delete(attrs, k)
					continue
				}
				attrs[k] = v
			}
			changes["attrs"] = attrs
		}
		if upd.Index != nil {
			changes["gsi1pk"] = upd.Index.PK
			changes["gsi1sk"] = upd.Index.SK
		}
		if upd.ExpiresAt != nil {
			changes["expires_at"] = upd.ExpiresAt.UTC()
		}
		if len(changes) > 0 {
			changes["updated_at"] = now
			if err := tx.Model(&itemRow{}).Where("pk = ? AND sk = ?", key.PK, key.SK).Updates(changes).Error; err != nil {
				return err
			}
		}

		// Fixed order keeps concurrent multi-counter updates from deadlocking.
		for _, name := range sortedNames(upd.SetCounters) {
			if err := setCounter(tx, key, name, upd.SetCounters[name]); err != nil {
				return err
			}
		}
		for _, name := range sortedNames(upd.Add) {
			if err := addCounter(tx, key, name, upd.Add[name]); err != nil {
				return err
			}
		}

		out, err = s.get(ctx, tx, key, false)
		return err
	})
	if err != nil {
		if errors.Is(err, kvdomain.ErrNotFound) || errors.Is(err, kvdomain.ErrConditionFailed) {
			return nil, err
		}
		return nil, kvdomain.Unavailable("update", err)
	}
	return out, nil
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

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for pk, sks := range groupByPartition(keys) {
			for _, chunk := range chunkStrings(sks, batchChunkSize) {
				if err := tx.Where("pk = ? AND sk IN ?", pk, chunk).Delete(&itemRow{}).Error; err != nil {
					return err
				}
				if err := tx.Where("pk = ? AND sk IN ?", pk, chunk).Delete(&counterRow{}).Error; err != nil {
					return err
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
	stmt := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("pk = ?", q.PK).
		Where(notExpiredQuery, s.clock.Now())
	if lower != "" {
		stmt = stmt.Where("sk >= ?", lower)
	}
	if upper != "" {
		stmt = stmt.Where("sk < ?", upper)
	}
	stmt = stmt.Order(clause.OrderByColumn{Column: clause.Column{Name: "sk"}, Desc: q.Descending})
	if q.Limit > 0 {
		stmt = stmt.Limit(q.Limit)
	}

	var rows []itemRow
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, kvdomain.Unavailable("query", err)
	}
	return s.hydrate(ctx, rows)
}

func (s *Store) QueryIndex(ctx context.Context, q kvdomain.IndexQuery) ([]kvdomain.Item, error) {
	if strings.TrimSpace(q.IndexPK) == "" {
		return nil, fmt.Errorf("%w: empty index partition", kvdomain.ErrInvalidKey)
	}
	defer s.observe("query_index", time.Now())

	stmt := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("gsi1pk = ?", q.IndexPK).
		Where(notExpiredQuery, s.clock.Now())
	if q.Prefix != "" {
		stmt = stmt.Where("gsi1sk >= ?", q.Prefix)
		if end := kvdomain.PrefixEnd(q.Prefix); end != "" {
			stmt = stmt.Where("gsi1sk < ?", end)
		}
	}
	stmt = stmt.Order(clause.OrderByColumn{Column: clause.Column{Name: "gsi1sk"}, Desc: q.Descending})
	if q.Limit > 0 {
		stmt = stmt.Limit(q.Limit)
	}

	var rows []itemRow
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, kvdomain.Unavailable("query_index", err)
	}
	return s.hydrate(ctx, rows)
}

func (s *Store) Scan(ctx context.Context, filter kvdomain.ScanFilter) ([]kvdomain.Item, error) {
	defer s.observe("scan", time.Now())

	stmt := s.db.WithContext(ctx).Model(&itemRow{}).Where(notExpiredQuery, s.clock.Now())
	if filter.PKPrefix != "" {
		stmt = stmt.Where("pk >= ?", filter.PKPrefix)
		if end := kvdomain.PrefixEnd(filter.PKPrefix); end != "" {
			stmt = stmt.Where("pk < ?", end)
		}
	}
	stmt = stmt.Order("pk ASC").Order("sk ASC")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var rows []itemRow
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, kvdomain.Unavailable("scan", err)
	}
	return s.hydrate(ctx, rows)
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	defer s.observe("purge_expired", time.Now())

	var rows []itemRow
	err := s.db.WithContext(ctx).
		Select("pk", "sk").
		Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
		Limit(5000).
		Find(&rows).Error
	if err != nil {
		return 0, kvdomain.Unavailable("purge_expired", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	keys := make([]kvdomain.Key, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, kvdomain.Key{PK: row.PK, SK: row.SK})
	}
	if err := s.BatchDelete(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Store) get(ctx context.Context, db *gorm.DB, key kvdomain.Key, lock bool) (*kvdomain.Item, error) {
	stmt := db.Where("pk = ? AND sk = ?", key.PK, key.SK)
	if lock {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row itemRow
	if err := stmt.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, kvdomain.ErrNotFound
		}
		return nil, err
	}

	counters, err := loadCounters(db, []kvdomain.Key{key})
	if err != nil {
		return nil, err
	}
	item := fromRow(row)
	item.Counters = counters[key]
	return &item, nil
}

func (s *Store) hydrate(ctx context.Context, rows []itemRow) ([]kvdomain.Item, error) {
	if len(rows) == 0 {
		return []kvdomain.Item{}, nil
	}
	keys := make([]kvdomain.Key, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, kvdomain.Key{PK: row.PK, SK: row.SK})
	}
	counters, err := loadCounters(s.db.WithContext(ctx), keys)
	if err != nil {
		return nil, kvdomain.Unavailable("load_counters", err)
	}

	items := make([]kvdomain.Item, 0, len(rows))
	for _, row := range rows {
		item := fromRow(row)
		item.Counters = counters[item.Key]
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) observe(op string, start time.Time) {
	s.metrics.ObserveStoreOperation(backendName, op, time.Since(start))
}

func loadCounters(db *gorm.DB, keys []kvdomain.Key) (map[kvdomain.Key]map[string]int64, error) {
	out := make(map[kvdomain.Key]map[string]int64, len(keys))
	for pk, sks := range groupByPartition(keys) {
		for _, chunk := range chunkStrings(sks, batchChunkSize) {
			var rows []counterRow
			if err := db.Where("pk = ? AND sk IN ?", pk, chunk).Find(&rows).Error; err != nil {
				return nil, err
			}
			for _, row := range rows {
				key := kvdomain.Key{PK: row.PK, SK: row.SK}
				if out[key] == nil {
					out[key] = map[string]int64{}
				}
				out[key][row.Name] = row.Value
			}
		}
	}
	return out, nil
}

func addCounter(tx *gorm.DB, key kvdomain.Key, name string, delta int64) error {
	row := counterRow{PK: key.PK, SK: key.SK, Name: name, Value: delta}
	return tx.Clauses(clause.OnConflict{
		Columns:   counterConflictColumns(),
		DoUpdates: clause.Assignments(map[string]any{"value": gorm.Expr("ledger_counters.value + ?", delta)}),
	}).Create(&row).Error
}

func setCounter(tx *gorm.DB, key kvdomain.Key, name string, value int64) error {
	row := counterRow{PK: key.PK, SK: key.SK, Name: name, Value: value}
	return tx.Clauses(clause.OnConflict{
		Columns:   counterConflictColumns(),
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
}

func counterConflictColumns() []clause.Column {
	return []clause.Column{{Name: "pk"}, {Name: "sk"}, {Name: "name"}}
}

func toRow(item kvdomain.Item, now time.Time) itemRow {
	attrs := datatypes.JSONMap{}
	for k, v := range item.Attrs {
		attrs[k] = v
	}
	row := itemRow{
		PK:        item.PK,
		SK:        item.SK,
		Attrs:     attrs,
		UpdatedAt: now,
	}
	if item.Index != nil {
		indexPK, indexSK := item.Index.PK, item.Index.SK
		row.IndexPK = &indexPK
		row.IndexSK = &indexSK
	}
	if item.ExpiresAt != nil {
		expires := item.ExpiresAt.UTC()
		row.ExpiresAt = &expires
	}
	return row
}

func fromRow(row itemRow) kvdomain.Item {
	item := kvdomain.Item{
		Key:   kvdomain.Key{PK: row.PK, SK: row.SK},
		Attrs: map[string]any(row.Attrs),
	}
	if item.Attrs == nil {
		item.Attrs = map[string]any{}
	}
	if row.IndexPK != nil && row.IndexSK != nil {
		item.Index = &kvdomain.IndexKey{PK: *row.IndexPK, SK: *row.IndexSK}
	}
	if row.ExpiresAt != nil {
		expires := row.ExpiresAt.UTC()
		item.ExpiresAt = &expires
	}
	return item
}

func counterRows(key kvdomain.Key, counters map[string]int64) []counterRow {
	rows := make([]counterRow, 0, len(counters))
	for _, name := range sortedNames(counters) {
		rows = append(rows, counterRow{PK: key.PK, SK: key.SK, Name: name, Value: counters[name]})
	}
	return rows
}

func groupByPartition(keys []kvdomain.Key) map[string][]string {
	out := make(map[string][]string)
	for _, key := range keys {
		out[key.PK] = append(out[key.PK], key.SK)
	}
	return out
}

func chunkStrings(values []string, size int) [][]string {
	var chunks [][]string
	for len(values) > size {
		chunks = append(chunks, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		chunks = append(chunks, values)
	}
	return chunks
}

func sortedNames(m map[string]int64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ kvdomain.Store = (*Store)(nil)
