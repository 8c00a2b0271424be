package domain

import (
	"context"
	"errors"
)

type CreateSessionRequest struct {
	TenantID  string
	UserID    string
	SessionID string
	Title     string
	Metadata  map[string]any
	// Tier, when set, counts the session against the tier's concurrent
	// session limit.
	Tier string
}

type UpdateSessionRequest struct {
	TenantID  string
	UserID    string
	SessionID string
	// Fields holds the attributes to overwrite; a nil value removes one.
	Fields map[string]any
}

type ListSessionsRequest struct {
	TenantID string
	UserID   string
	Limit    int
	Status   string
}

type AppendMessageRequest struct {
	TenantID  string
	UserID    string
	SessionID string
	Role      string
	Content   Content
	Metadata  map[string]any
}

type GetMessagesRequest struct {
	TenantID  string
	UserID    string
	SessionID string
	Limit     int
	// Before is a message id; only messages sorting before it are returned.
	Before string
}

type Service interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error)
	GetSession(ctx context.Context, tenantID, userID, sessionID string) (*Session, error)
	UpdateSession(ctx context.Context, req UpdateSessionRequest) (*Session, error)
	DeleteSession(ctx context.Context, tenantID, userID, sessionID string) (bool, error)
	ListSessions(ctx context.Context, req ListSessionsRequest) ([]Session, error)
	ListTenantSessions(ctx context.Context, tenantID string, limit int) ([]Session, error)
	CountActiveSessions(ctx context.Context, tenantID, tier string) (int64, error)

	AppendMessage(ctx context.Context, req AppendMessageRequest) (*Message, error)
	GetMessages(ctx context.Context, req GetMessagesRequest) ([]Message, error)
	GetConversation(ctx context.Context, req GetMessagesRequest) ([]ConversationTurn, error)
	AddTokens(ctx context.Context, tenantID, userID, sessionID string, tokens int64) error
}

// ActivityRecorder is told when a tiered session opens or closes so the
// concurrent-session count can follow.
type ActivityRecorder interface {
	SessionOpened(ctx context.Context, tenantID, tier string) error
	SessionClosed(ctx context.Context, tenantID, tier string) error
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidSessionID = errors.New("invalid_session_id")
	ErrInvalidRole      = errors.New("invalid_role")
	ErrEmptyContent     = errors.New("empty_content")
	ErrImmutableField   = errors.New("immutable_field")
	ErrInvalidStatus    = errors.New("invalid_status")
	ErrSessionNotFound  = errors.New("session_not_found")
	ErrSessionExists    = errors.New("session_exists")
	ErrMessageIDTaken   = errors.New("message_id_taken")
	ErrSerialization    = errors.New("serialization_error")
)
