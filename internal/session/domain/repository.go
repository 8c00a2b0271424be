package domain

import (
	"context"
	"time"
)

type Repository interface {
	// CreateSession fails with ErrSessionExists when the id is already live.
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, tenantID, userID, sessionID string) (*Session, error)
	UpdateSession(ctx context.Context, tenantID, userID, sessionID string, fields map[string]any, updatedAt time.Time) (*Session, error)
	DeleteSession(ctx context.Context, tenantID, userID, sessionID string) error
	ListSessions(ctx context.Context, tenantID, userID string, limit int) ([]Session, error)
	ListTenantSessions(ctx context.Context, tenantID string, limit int) ([]Session, error)

	// IncrementCounters atomically adds deltas to an existing session and
	// returns the updated row.
	IncrementCounters(ctx context.Context, tenantID, userID, sessionID string, messages, tokens int64, updatedAt time.Time) (*Session, error)

	// CreateMessage fails with ErrMessageIDTaken when the session already
	// holds a message with the same id.
	CreateMessage(ctx context.Context, tenantID, userID string, message Message, expiresAt time.Time) error
	DeleteMessage(ctx context.Context, tenantID, userID, sessionID, messageID string) error
	ListMessages(ctx context.Context, tenantID, userID, sessionID string, limit int, before string) ([]Message, error)
	DeleteMessages(ctx context.Context, tenantID, userID, sessionID string) (int, error)
}
