package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompose(t *testing.T) {
	key, err := Compose("SESSION", "acme", "u1")
	require.NoError(t, err)
	assert.Equal(t, "SESSION#acme#u1", key)

	for _, bad := range []string{"", " ", "a#b", "a|b", " acme"} {
		_, err := Compose("SESSION", "acme", bad)
		assert.True(t, errors.Is(err, ErrInvalidKey), "component %q", bad)
	}
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "MSG#s1$", PrefixEnd("MSG#s1#"))
	assert.Equal(t, "b", PrefixEnd("a"))
	assert.Equal(t, "", PrefixEnd(""))
	assert.Equal(t, "b", PrefixEnd("a\xff"))
}

func TestQueryBounds(t *testing.T) {
	lower, upper := Query{Prefix: "MSG#s1#"}.Bounds()
	assert.Equal(t, "MSG#s1#", lower)
	assert.Equal(t, "MSG#s1$", upper)

	lower, upper = Query{Prefix: "MSG#s1#", Until: "MSG#s1#0005"}.Bounds()
	assert.Equal(t, "MSG#s1#", lower)
	assert.Equal(t, "MSG#s1#0005", upper)

	lower, upper = Query{From: "USAGE#2024-01-01", Until: "USAGE#2024-01-08"}.Bounds()
	assert.Equal(t, "USAGE#2024-01-01", lower)
	assert.Equal(t, "USAGE#2024-01-08", upper)
}

func TestStoreErrorMatchesUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable("get", cause)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, Unavailable("get", nil))
}

func TestItemAccessors(t *testing.T) {
	item := Item{
		Attrs:    map[string]any{"title": "hi", "n": float64(3)},
		Counters: map[string]int64{"message_count": 7},
	}
	assert.Equal(t, "hi", item.String("title"))
	assert.Equal(t, int64(3), item.Int("n"))
	assert.Equal(t, int64(7), item.Int("message_count"))
	assert.Equal(t, int64(0), item.Int("missing"))
}
