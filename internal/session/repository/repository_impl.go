package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/smallbiznis/chatledger/internal/session/domain"
)

const (
	attrSessionID   = "session_id"
	attrTenantID    = "tenant_id"
	attrUserID      = "user_id"
	attrTitle       = "title"
	attrStatus      = "status"
	attrTier        = "tier"
	attrMetadata    = "metadata"
	attrCreatedAt   = "created_at"
	attrUpdatedAt   = "updated_at"
	attrMessageID   = "message_id"
	attrRole        = "role"
	attrContent     = "content"
	attrContentType = "content_type"

	counterMessages = "message_count"
	counterTokens   = "total_tokens"

	deleteBatchSize = 100
)

type repo struct {
	store kvdomain.Store
}

func Provide(store kvdomain.Store) domain.Repository {
	return &repo{store: store}
}

func SessionKey(tenantID, userID, sessionID string) (kvdomain.Key, error) {
	pk, err := kvdomain.Compose("SESSION", tenantID, userID)
	if err != nil {
		return kvdomain.Key{}, err
	}
	sk, err := kvdomain.Compose("SESSION", sessionID)
	if err != nil {
		return kvdomain.Key{}, err
	}
	return kvdomain.Key{PK: pk, SK: sk}, nil
}

func messagePrefix(sessionID string) string {
	return kvdomain.MustCompose("MSG", sessionID) + kvdomain.Separator
}

func (r *repo) CreateSession(ctx context.Context, session domain.Session) error {
	key, err := SessionKey(session.TenantID, session.UserID, session.SessionID)
	if err != nil {
		return err
	}
	tenantIndex, err := kvdomain.Compose("TENANT", session.TenantID)
	if err != nil {
		return err
	}

	attrs := map[string]any{
		attrSessionID: session.SessionID,
		attrTenantID:  session.TenantID,
		attrUserID:    session.UserID,
		attrTitle:     session.Title,
		attrStatus:    session.Status,
		attrMetadata:  session.Metadata,
		attrCreatedAt: formatTime(session.CreatedAt),
		attrUpdatedAt: formatTime(session.UpdatedAt),
	}
	if session.Tier != "" {
		attrs[attrTier] = session.Tier
	}
	expiresAt := session.ExpiresAt

	err = r.store.Create(ctx, kvdomain.Item{
		Key:   key,
		Attrs: attrs,
		Counters: map[string]int64{
			counterMessages: session.MessageCount,
			counterTokens:   session.TotalTokens,
		},
		Index:     &kvdomain.IndexKey{PK: tenantIndex, SK: "SESSION" + kvdomain.Separator + formatTime(session.CreatedAt)},
		ExpiresAt: &expiresAt,
	})
	if errors.Is(err, kvdomain.ErrAlreadyExists) {
		return domain.ErrSessionExists
	}
	return err
}

func (r *repo) GetSession(ctx context.Context, tenantID, userID, sessionID string) (*domain.Session, error) {
	key, err := SessionKey(tenantID, userID, sessionID)
	if err != nil {
		return nil, err
	}
	item, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvdomain.ErrNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	session := sessionFromItem(*item)
	return &session, nil
}

func (r *repo) UpdateSession(ctx context.Context, tenantID, userID, sessionID string, fields map[string]any, updatedAt time.Time) (*domain.Session, error) {
	key, err := SessionKey(tenantID, userID, sessionID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]any, len(fields)+1)
	for name, value := range fields {
		set[name] = value
	}
	set[attrUpdatedAt] = formatTime(updatedAt)

	item, err := r.store.Update(ctx, key, kvdomain.Update{Set: set, RequireExists: true})
	if err != nil {
		if errors.Is(err, kvdomain.ErrNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	session := sessionFromItem(*item)
	return &session, nil
}

func (r *repo) IncrementCounters(ctx context.Context, tenantID, userID, sessionID string, messages, tokens int64, updatedAt time.Time) (*domain.Session, error) {
	key, err := SessionKey(tenantID, userID, sessionID)
	if err != nil {
		return nil, err
	}

	add := map[string]int64{}
	if messages != 0 {
		add[counterMessages] = messages
	}
	if tokens != 0 {
		add[counterTokens] = tokens
	}
	upd := kvdomain.Update{Add: add, RequireExists: true}
	if messages != 0 {
		upd.Set = map[string]any{attrUpdatedAt: formatTime(updatedAt)}
	}

	item, err := r.store.Update(ctx, key, upd)
	if err != nil {
		if errors.Is(err, kvdomain.ErrNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	session := sessionFromItem(*item)
	return &session, nil
}

func (r *repo) DeleteSession(ctx context.Context, tenantID, userID, sessionID string) error {
	key, err := SessionKey(tenantID, userID, sessionID)
	if err != nil {
		return err
	}
	return r.store.Delete(ctx, key)
}

func (r *repo) ListSessions(ctx context.Context, tenantID, userID string, limit int) ([]domain.Session, error) {
	pk, err := kvdomain.Compose("SESSION", tenantID, userID)
	if err != nil {
		return nil, err
	}
	// Session ids may be caller supplied, so the sort key says nothing about
	// age; the partition is read whole and ordered by creation time.
	items, err := r.store.Query(ctx, kvdomain.Query{
		PK:     pk,
		Prefix: "SESSION" + kvdomain.Separator,
	})
	if err != nil {
		return nil, err
	}

	sessions := sessionsFromItems(items)
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].SessionID > sessions[j].SessionID
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (r *repo) ListTenantSessions(ctx context.Context, tenantID string, limit int) ([]domain.Session, error) {
	tenantIndex, err := kvdomain.Compose("TENANT", tenantID)
	if err != nil {
		return nil, err
	}
	items, err := r.store.QueryIndex(ctx, kvdomain.IndexQuery{
		IndexPK:    tenantIndex,
		Prefix:     "SESSION" + kvdomain.Separator,
		Limit:      limit,
		Descending: true,
	})
	if err != nil {
		return nil, err
	}
	return sessionsFromItems(items), nil
}

func messageKey(tenantID, userID, sessionID, messageID string) (kvdomain.Key, error) {
	pk, err := kvdomain.Compose("SESSION", tenantID, userID)
	if err != nil {
		return kvdomain.Key{}, err
	}
	sk, err := kvdomain.Compose("MSG", sessionID, messageID)
	if err != nil {
		return kvdomain.Key{}, err
	}
	return kvdomain.Key{PK: pk, SK: sk}, nil
}

func (r *repo) CreateMessage(ctx context.Context, tenantID, userID string, message domain.Message, expiresAt time.Time) error {
	key, err := messageKey(tenantID, userID, message.SessionID, message.MessageID)
	if err != nil {
		return err
	}
	payload, err := message.Content.Encode()
	if err != nil {
		return err
	}

	err = r.store.Create(ctx, kvdomain.Item{
		Key: key,
		Attrs: map[string]any{
			attrMessageID:   message.MessageID,
			attrSessionID:   message.SessionID,
			attrRole:        message.Role,
			attrContent:     payload,
			attrContentType: string(message.ContentType),
			attrMetadata:    message.Metadata,
			attrCreatedAt:   formatTime(message.CreatedAt),
		},
		ExpiresAt: &expiresAt,
	})
	if errors.Is(err, kvdomain.ErrAlreadyExists) {
		return domain.ErrMessageIDTaken
	}
	return err
}

func (r *repo) DeleteMessage(ctx context.Context, tenantID, userID, sessionID, messageID string) error {
	key, err := messageKey(tenantID, userID, sessionID, messageID)
	if err != nil {
		return err
	}
	return r.store.Delete(ctx, key)
}

func (r *repo) ListMessages(ctx context.Context, tenantID, userID, sessionID string, limit int, before string) ([]domain.Message, error) {
	pk, err := kvdomain.Compose("SESSION", tenantID, userID)
	if err != nil {
		return nil, err
	}
	if err := kvdomain.ValidateComponent(sessionID); err != nil {
		return nil, err
	}

	q := kvdomain.Query{PK: pk, Prefix: messagePrefix(sessionID), Limit: limit}
	if before != "" {
		// Page backwards: the newest messages older than the cursor.
		q.Until = messagePrefix(sessionID) + before
		q.Descending = true
	}

	items, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(items))
	for _, item := range items {
		message, err := messageFromItem(item)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if q.Descending {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

func (r *repo) DeleteMessages(ctx context.Context, tenantID, userID, sessionID string) (int, error) {
	pk, err := kvdomain.Compose("SESSION", tenantID, userID)
	if err != nil {
		return 0, err
	}
	if err := kvdomain.ValidateComponent(sessionID); err != nil {
		return 0, err
	}

	deleted := 0
	for {
		items, err := r.store.Query(ctx, kvdomain.Query{PK: pk, Prefix: messagePrefix(sessionID), Limit: deleteBatchSize})
		if err != nil {
			return deleted, err
		}
		if len(items) == 0 {
			return deleted, nil
		}

		keys := make([]kvdomain.Key, 0, len(items))
		for _, item := range items {
			keys = append(keys, item.Key)
		}
		if err := r.store.BatchDelete(ctx, keys); err != nil {
			return deleted, err
		}
		deleted += len(keys)

		if len(items) < deleteBatchSize {
			return deleted, nil
		}
	}
}

func sessionsFromItems(items []kvdomain.Item) []domain.Session {
	sessions := make([]domain.Session, 0, len(items))
	for _, item := range items {
		sessions = append(sessions, sessionFromItem(item))
	}
	return sessions
}

func sessionFromItem(item kvdomain.Item) domain.Session {
	session := domain.Session{
		SessionID:    item.String(attrSessionID),
		TenantID:     item.String(attrTenantID),
		UserID:       item.String(attrUserID),
		Title:        item.String(attrTitle),
		Status:       item.String(attrStatus),
		Tier:         item.String(attrTier),
		Metadata:     item.Map(attrMetadata),
		MessageCount: item.Int(counterMessages),
		TotalTokens:  item.Int(counterTokens),
		CreatedAt:    item.Time(attrCreatedAt),
		UpdatedAt:    item.Time(attrUpdatedAt),
	}
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	if item.ExpiresAt != nil {
		session.ExpiresAt = item.ExpiresAt.UTC()
	}
	return session
}

func messageFromItem(item kvdomain.Item) (domain.Message, error) {
	contentType := domain.ContentType(item.String(attrContentType))
	content, err := domain.DecodeContent(contentType, item.String(attrContent))
	if err != nil {
		return domain.Message{}, fmt.Errorf("message %s: %w", item.String(attrMessageID), err)
	}
	metadata := item.Map(attrMetadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return domain.Message{
		MessageID:   item.String(attrMessageID),
		SessionID:   item.String(attrSessionID),
		Role:        item.String(attrRole),
		Content:     content,
		ContentType: content.Type,
		Metadata:    metadata,
		CreatedAt:   item.Time(attrCreatedAt),
	}, nil
}

// Fixed-width so stored timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
