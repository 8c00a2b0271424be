package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

type itemRow struct {
	PK        string            `gorm:"column:pk;primaryKey;size:191"`
	SK        string            `gorm:"column:sk;primaryKey;size:191"`
	Attrs     datatypes.JSONMap `gorm:"column:attrs"`
	IndexPK   *string           `gorm:"column:gsi1pk;size:191;index:idx_ledger_items_gsi1,priority:1"`
	IndexSK   *string           `gorm:"column:gsi1sk;size:191;index:idx_ledger_items_gsi1,priority:2"`
	ExpiresAt *time.Time        `gorm:"column:expires_at;index"`
	UpdatedAt time.Time         `gorm:"column:updated_at"`
}

func (itemRow) TableName() string { return "ledger_items" }

type counterRow struct {
	PK    string `gorm:"column:pk;primaryKey;size:191"`
	SK    string `gorm:"column:sk;primaryKey;size:191"`
	Name  string `gorm:"column:name;primaryKey;size:64"`
	Value int64  `gorm:"column:value;not null"`
}

func (counterRow) TableName() string { return "ledger_counters" }

// Models lists the tables owned by the SQL backend, for AutoMigrate.
func Models() []any {
	return []any{&itemRow{}, &counterRow{}}
}
