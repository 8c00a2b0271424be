package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Item is one schemaless record. Attrs hold ordinary fields with
// last-writer-wins semantics; Counters hold integers that are only ever
// changed through atomic deltas.
type Item struct {
	Key
	Attrs     map[string]any   `json:"attrs,omitempty"`
	Counters  map[string]int64 `json:"counters,omitempty"`
	Index     *IndexKey        `json:"index,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

// IndexKey places an item in the secondary index.
type IndexKey struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func (i Item) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

func (i Item) String(name string) string {
	switch v := i.Attrs[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int reads a counter, falling back to a numeric attribute.
func (i Item) Int(name string) int64 {
	if v, ok := i.Counters[name]; ok {
		return v
	}
	switch v := i.Attrs[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func (i Item) Time(name string) time.Time {
	raw := i.String(name)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (i Item) Map(name string) map[string]any {
	if m, ok := i.Attrs[name].(map[string]any); ok {
		return m
	}
	return nil
}

// Update describes a partial write. Set and SetCounters overwrite, Add
// applies if_not_exists(x, 0) + n atomically in the backend.
type Update struct {
	Set         map[string]any
	SetCounters map[string]int64
	Add         map[string]int64
	Index       *IndexKey
	ExpiresAt   *time.Time

	// RequireExists fails the update with ErrNotFound instead of creating
	// the item.
	RequireExists bool
	// IfCounters makes the whole update conditional on the current counter
	// values; missing counters compare as zero. Fails with ErrConditionFailed.
	IfCounters map[string]int64
}

func (u Update) Empty() bool {
	return len(u.Set) == 0 && len(u.SetCounters) == 0 && len(u.Add) == 0 && u.Index == nil && u.ExpiresAt == nil
}

// Query selects items of one partition ordered by sort key. Prefix and the
// [From, Until) interval combine; empty bounds are open.
type Query struct {
	PK         string
	Prefix     string
	From       string
	Until      string
	Limit      int
	Descending bool
}

// Bounds resolves the query to a single [lower, upper) sort-key interval.
func (q Query) Bounds() (lower, upper string) {
	lower, upper = q.From, q.Until
	if q.Prefix != "" {
		if lower < q.Prefix {
			lower = q.Prefix
		}
		end := PrefixEnd(q.Prefix)
		if end != "" && (upper == "" || end < upper) {
			upper = end
		}
	}
	return lower, upper
}

// IndexQuery selects items through the secondary index.
type IndexQuery struct {
	IndexPK    string
	Prefix     string
	Limit      int
	Descending bool
}

// ScanFilter bounds a full scan to partitions starting with PKPrefix.
type ScanFilter struct {
	PKPrefix string
	Limit    int
}
