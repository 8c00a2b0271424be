package logger

import "testing"

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		`SELECT * FROM "ledger_items" WHERE pk = $1`:                                  "SELECT",
		`INSERT INTO "ledger_items" ("pk","sk") VALUES ($1,$2)`:                       "INSERT",
		`INSERT INTO "ledger_counters" VALUES ($1) ON CONFLICT ("pk") DO UPDATE SET`: "UPSERT",
		"INSERT INTO `ledger_counters` VALUES (?) ON DUPLICATE KEY UPDATE `value`":   "UPSERT",
		`WITH x AS (SELECT 1) DELETE FROM "ledger_items"`:                             "SELECT",
		``: "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}
