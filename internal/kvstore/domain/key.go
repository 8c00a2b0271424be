package domain

import (
	"fmt"
	"strings"
)

const Separator = "#"

// Key addresses one item: the partition groups items, the sort key orders them.
type Key struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.PK) == "" || strings.TrimSpace(k.SK) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	return nil
}

func (k Key) String() string {
	return k.PK + "|" + k.SK
}

// Compose joins a typed prefix with identity components. Components must be
// non-empty and must not contain the separator, otherwise one tenant could
// address another tenant's partition.
func Compose(prefix string, parts ...string) (string, error) {
	var b strings.Builder
	b.WriteString(prefix)
	for _, part := range parts {
		if err := ValidateComponent(part); err != nil {
			return "", err
		}
		b.WriteString(Separator)
		b.WriteString(part)
	}
	return b.String(), nil
}

// MustCompose is Compose for components that were already validated.
func MustCompose(prefix string, parts ...string) string {
	key, err := Compose(prefix, parts...)
	if err != nil {
		panic(err)
	}
	return key
}

func ValidateComponent(part string) error {
	if strings.TrimSpace(part) == "" {
		return fmt.Errorf("%w: empty component", ErrInvalidKey)
	}
	if part != strings.TrimSpace(part) {
		return fmt.Errorf("%w: component %q has surrounding whitespace", ErrInvalidKey, part)
	}
	if strings.Contains(part, Separator) || strings.Contains(part, "|") {
		return fmt.Errorf("%w: component %q contains a reserved character", ErrInvalidKey, part)
	}
	return nil
}

// PrefixEnd returns the smallest string greater than every string with the
// given prefix under byte-wise ordering, for use as an exclusive range bound.
// An empty result means the range is unbounded above.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
