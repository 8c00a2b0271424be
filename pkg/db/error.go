package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsTransientErr reports failures worth surfacing as "backend unavailable"
// rather than as data errors: lost connections, timeouts, lock contention and
// serialization conflicts.
func IsTransientErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gorm.ErrInvalidDB) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return true
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "database is locked", "bad connection", "broken pipe", "i/o timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
