package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/chatledger/internal/cache"
	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/smallbiznis/chatledger/internal/config"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/smallbiznis/chatledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
	"github.com/smallbiznis/chatledger/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 200
	defaultMessageLimit = 100
	maxMessageLimit     = 1000

	// An id collision moves the message id forward one millisecond per attempt.
	maxMessageIDAttempts = 16
)

var immutableFields = map[string]struct{}{
	"pk":            {},
	"sk":            {},
	"gsi1pk":        {},
	"gsi1sk":        {},
	"session_id":    {},
	"tenant_id":     {},
	"user_id":       {},
	"tier":          {},
	"created_at":    {},
	"message_count": {},
	"total_tokens":  {},
}

var validRoles = map[string]struct{}{
	"user":      {},
	"assistant": {},
	"system":    {},
	"tool":      {},
}

type Params struct {
	fx.In

	Repo          domain.Repository
	Clock         clock.Clock
	Config        config.Config
	Log           *zap.Logger
	Activity      domain.ActivityRecorder   `optional:"true"`
	Metrics       *obsmetrics.Metrics       `optional:"true"`
	LedgerMetrics *obsmetrics.LedgerMetrics `optional:"true"`
}

type Service struct {
	repo       domain.Repository
	clock      clock.Clock
	log        *zap.Logger
	cache      *cache.SessionCache[domain.Session]
	activity   domain.ActivityRecorder
	metrics    *obsmetrics.Metrics
	sessionTTL time.Duration
}

func New(p Params) domain.Service {
	return NewService(p)
}

func NewService(p Params) *Service {
	return &Service{
		repo:       p.Repo,
		clock:      p.Clock,
		log:        p.Log.Named("session.service"),
		cache:      cache.NewSessionCache[domain.Session](p.Clock, p.Config.Ledger.SessionCacheTTL, p.LedgerMetrics),
		activity:   p.Activity,
		metrics:    p.Metrics,
		sessionTTL: p.Config.SessionTTL(),
	}
}

func (s *Service) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.Session, error) {
	tenantID, userID, err := normalizeIdentity(req.TenantID, req.UserID)
	if err != nil {
		return nil, err
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = s.newSessionID()
	}
	if err := kvdomain.ValidateComponent(sessionID); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidSessionID, err)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = domain.DefaultTitle
	}

	now := s.clock.Now()
	session := domain.Session{
		SessionID: sessionID,
		TenantID:  tenantID,
		UserID:    userID,
		Title:     title,
		Status:    domain.StatusActive,
		Tier:      strings.ToLower(strings.TrimSpace(req.Tier)),
		Metadata:  copyMap(req.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}

	log := logger.WithSession(logger.WithTenant(s.log, tenantID, userID), sessionID)
	if err := s.repo.CreateSession(ctx, session); err != nil {
		if errors.Is(err, domain.ErrSessionExists) {
			log.Info("session id already in use")
			return nil, err
		}
		if !isUnavailable(err) {
			return nil, err
		}
		s.metrics.RecordStoreError(ctx, "session", "create")
		log.Error("session store unavailable, keeping in-memory session", zap.Error(err))
		session.Degraded = true
		s.cache.Put(tenantID, userID, sessionID, session.Clone())
		return &session, nil
	}

	s.cache.Put(tenantID, userID, sessionID, session.Clone())
	log.Info("created session")

	if session.Tier != "" && s.activity != nil {
		if err := s.activity.SessionOpened(ctx, tenantID, session.Tier); err != nil {
			log.Warn("failed to count opened session", zap.String("tier", session.Tier), zap.Error(err))
		}
	}
	return &session, nil
}

func (s *Service) GetSession(ctx context.Context, tenantID, userID, sessionID string) (*domain.Session, error) {
	tenantID, userID, sessionID, err := normalizeSessionRef(tenantID, userID, sessionID)
	if err != nil {
		return nil, err
	}

	session, err := s.cache.GetOrLoad(ctx, tenantID, userID, sessionID, func(ctx context.Context) (domain.Session, error) {
		found, err := s.repo.GetSession(ctx, tenantID, userID, sessionID)
		if err != nil {
			return domain.Session{}, err
		}
		return *found, nil
	})
	if err == nil {
		out := session.Clone()
		return &out, nil
	}

	if errors.Is(err, domain.ErrSessionNotFound) {
		s.cache.Invalidate(tenantID, userID, sessionID)
		return nil, domain.ErrSessionNotFound
	}
	if isUnavailable(err) {
		s.metrics.RecordDegradedRead(ctx, "session")
		log := logger.WithSession(logger.WithTenant(s.log, tenantID, userID), sessionID)
		if cached, ok := s.cache.Peek(tenantID, userID, sessionID); ok {
			log.Warn("session store unavailable, serving cached session", zap.Error(err))
			out := cached.Clone()
			return &out, nil
		}
		log.Warn("session store unavailable and session not cached", zap.Error(err))
		return nil, domain.ErrSessionNotFound
	}
	return nil, err
}

func (s *Service) UpdateSession(ctx context.Context, req domain.UpdateSessionRequest) (*domain.Session, error) {
	tenantID, userID, sessionID, err := normalizeSessionRef(req.TenantID, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]any, len(req.Fields))
	for name, value := range req.Fields {
		key := strings.TrimSpace(name)
		if _, blocked := immutableFields[strings.ToLower(key)]; blocked {
			return nil, fmt.Errorf("%w: %s", domain.ErrImmutableField, key)
		}
		if key == "" || strings.ContainsAny(key, "#|") {
			return nil, fmt.Errorf("%w: %q", domain.ErrImmutableField, name)
		}
		fields[key] = value
	}

	closing := false
	if raw, ok := fields["status"]; ok {
		status, _ := raw.(string)
		status = strings.ToLower(strings.TrimSpace(status))
		if status != domain.StatusActive && status != domain.StatusClosed {
			return nil, domain.ErrInvalidStatus
		}
		fields["status"] = status
		closing = status == domain.StatusClosed
	}

	var before *domain.Session
	if closing {
		before, _ = s.repo.GetSession(ctx, tenantID, userID, sessionID)
	}

	now := s.clock.Now()
	log := logger.WithSession(logger.WithTenant(s.log, tenantID, userID), sessionID)

	updated, err := s.repo.UpdateSession(ctx, tenantID, userID, sessionID, fields, now)
	if err != nil {
		if !isUnavailable(err) {
			return nil, err
		}
		s.metrics.RecordStoreError(ctx, "session", "update")
		cached, ok := s.cache.Peek(tenantID, userID, sessionID)
		if !ok {
			log.Error("session store unavailable, update dropped", zap.Error(err))
			return nil, err
		}
		log.Error("session store unavailable, returning unsaved update", zap.Error(err))
		merged := applyFields(cached.Clone(), fields, now)
		merged.Degraded = true
		return &merged, nil
	}

	s.cache.Put(tenantID, userID, sessionID, updated.Clone())

	if closing && before != nil && before.Status == domain.StatusActive && before.Tier != "" && s.activity != nil {
		if err := s.activity.SessionClosed(ctx, tenantID, before.Tier); err != nil {
			log.Warn("failed to count closed session", zap.String("tier", before.Tier), zap.Error(err))
		}
	}
	return updated, nil
}

func (s *Service) DeleteSession(ctx context.Context, tenantID, userID, sessionID string) (bool, error) {
	tenantID, userID, sessionID, err := normalizeSessionRef(tenantID, userID, sessionID)
	if err != nil {
		return false, err
	}
	log := logger.WithSession(logger.WithTenant(s.log, tenantID, userID), sessionID)

	existing, err := s.repo.GetSession(ctx, tenantID, userID, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		s.cache.Invalidate(tenantID, userID, sessionID)
		return false, nil
	}

	if err := s.repo.DeleteSession(ctx, tenantID, userID, sessionID); err != nil {
		s.metrics.RecordStoreError(ctx, "session", "delete")
		log.Error("failed to delete session", zap.Error(err))
		return false, err
	}

	deleted, err := s.repo.DeleteMessages(ctx, tenantID, userID, sessionID)
	if err != nil {
		log.Warn("session deleted but messages orphaned", zap.Int("deleted_messages", deleted), zap.Error(err))
	}
	s.cache.Invalidate(tenantID, userID, sessionID)

	if existing != nil && existing.Status == domain.StatusActive && existing.Tier != "" && s.activity != nil {
		if err := s.activity.SessionClosed(ctx, tenantID, existing.Tier); err != nil {
			log.Warn("failed to count closed session", zap.String("tier", existing.Tier), zap.Error(err))
		}
	}

	log.Info("deleted session", zap.Int("deleted_messages", deleted))
	return true, nil
}

func (s *Service) ListSessions(ctx context.Context, req domain.ListSessionsRequest) ([]domain.Session, error) {
	tenantID, userID, err := normalizeIdentity(req.TenantID, req.UserID)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(req.Limit, defaultSessionLimit, maxSessionLimit)
	status := strings.ToLower(strings.TrimSpace(req.Status))

	// A status filter is applied after the read, so the read itself is unbounded.
	queryLimit := limit
	if status != "" {
		queryLimit = 0
	}

	sessions, err := s.repo.ListSessions(ctx, tenantID, userID, queryLimit)
	if err != nil {
		if isUnavailable(err) {
			s.metrics.RecordDegradedRead(ctx, "session")
			logger.WithTenant(s.log, tenantID, userID).Warn("session store unavailable, returning no sessions", zap.Error(err))
			return []domain.Session{}, nil
		}
		return nil, err
	}

	out := make([]domain.Session, 0, len(sessions))
	for _, session := range sessions {
		if status != "" && session.Status != status {
			continue
		}
		out = append(out, session)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Service) ListTenantSessions(ctx context.Context, tenantID string, limit int) ([]domain.Session, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := kvdomain.ValidateComponent(tenantID); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidTenant, err)
	}

	sessions, err := s.repo.ListTenantSessions(ctx, tenantID, clampLimit(limit, defaultSessionLimit, maxSessionLimit))
	if err != nil {
		if isUnavailable(err) {
			s.metrics.RecordDegradedRead(ctx, "session")
			s.log.Warn("session store unavailable, returning no tenant sessions", zap.String("tenant_id", tenantID), zap.Error(err))
			return []domain.Session{}, nil
		}
		return nil, err
	}
	return sessions, nil
}

// CountActiveSessions counts the tenant's live sessions opened under tier.
// Store errors propagate so callers never mistake an outage for zero.
func (s *Service) CountActiveSessions(ctx context.Context, tenantID, tier string) (int64, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := kvdomain.ValidateComponent(tenantID); err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrInvalidTenant, err)
	}
	tier = strings.ToLower(strings.TrimSpace(tier))

	sessions, err := s.repo.ListTenantSessions(ctx, tenantID, 0)
	if err != nil {
		return 0, err
	}

	var live int64
	for _, session := range sessions {
		if session.Status == domain.StatusActive && session.Tier == tier {
			live++
		}
	}
	return live, nil
}

func (s *Service) AppendMessage(ctx context.Context, req domain.AppendMessageRequest) (*domain.Message, error) {
	tenantID, userID, sessionID, err := normalizeSessionRef(req.TenantID, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	role := strings.ToLower(strings.TrimSpace(req.Role))
	if _, ok := validRoles[role]; !ok {
		return nil, domain.ErrInvalidRole
	}
	if req.Content.Empty() {
		return nil, domain.ErrEmptyContent
	}
	content := req.Content
	if content.Type == "" {
		content.Type = domain.ContentTypeText
	}
	payload, err := content.Encode()
	if err != nil {
		return nil, err
	}

	log := logger.WithSession(logger.WithTenant(s.log, tenantID, userID), sessionID)
	if err := s.ensureSession(ctx, tenantID, userID, sessionID); err != nil {
		if !isUnavailable(err) {
			return nil, err
		}
		log.Warn("session lookup failed, appending anyway", zap.Error(err))
	}

	now := s.clock.Now()
	message := domain.Message{
		SessionID:   sessionID,
		Role:        role,
		Content:     content,
		ContentType: content.Type,
		Metadata:    copyMap(req.Metadata),
		CreatedAt:   now,
	}

	log = log.With(zap.String("role", role))

	if err := s.createMessage(ctx, tenantID, userID, &message, payload, now); err != nil {
		if !isUnavailable(err) {
			return nil, err
		}
		s.metrics.RecordStoreError(ctx, "message", "append")
		log.Error("message store unavailable, message not persisted", zap.String("message_id", message.MessageID), zap.Error(err))
		message.Degraded = true
		return &message, nil
	}
	log = log.With(zap.String("message_id", message.MessageID))

	// The message is durable before the counter moves, so a failed increment
	// never hides a written message.
	updated, err := s.repo.IncrementCounters(ctx, tenantID, userID, sessionID, 1, 0, now)
	if errors.Is(err, domain.ErrSessionNotFound) {
		// Deleted between the lookup and the write.
		s.cache.Invalidate(tenantID, userID, sessionID)
		if delErr := s.repo.DeleteMessage(ctx, tenantID, userID, sessionID, message.MessageID); delErr != nil {
			log.Warn("failed to remove message of deleted session", zap.Error(delErr))
		}
		return nil, err
	}
	if err != nil {
		s.metrics.RecordStoreError(ctx, "session", "increment_messages")
		log.Warn("message stored but session counter not updated", zap.Error(err))
		return &message, nil
	}
	s.cache.Put(tenantID, userID, sessionID, updated.Clone())
	return &message, nil
}

func (s *Service) GetMessages(ctx context.Context, req domain.GetMessagesRequest) ([]domain.Message, error) {
	tenantID, userID, sessionID, err := normalizeSessionRef(req.TenantID, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(req.Limit, defaultMessageLimit, maxMessageLimit)

	messages, err := s.repo.ListMessages(ctx, tenantID, userID, sessionID, limit, strings.TrimSpace(req.Before))
	if err != nil {
		if isUnavailable(err) {
			s.metrics.RecordDegradedRead(ctx, "message")
			logger.WithSession(logger.WithTenant(s.log, tenantID, userID), sessionID).
				Warn("message store unavailable, returning no messages", zap.Error(err))
			return []domain.Message{}, nil
		}
		return nil, err
	}
	return messages, nil
}

func (s *Service) GetConversation(ctx context.Context, req domain.GetMessagesRequest) ([]domain.ConversationTurn, error) {
	messages, err := s.GetMessages(ctx, req)
	if err != nil {
		return nil, err
	}
	turns := make([]domain.ConversationTurn, 0, len(messages))
	for _, message := range messages {
		turns = append(turns, domain.ConversationTurn{Role: message.Role, Content: message.Content})
	}
	return turns, nil
}

// ensureSession checks the session exists, preferring the cache.
func (s *Service) ensureSession(ctx context.Context, tenantID, userID, sessionID string) error {
	if _, ok := s.cache.Get(tenantID, userID, sessionID); ok {
		return nil
	}
	found, err := s.repo.GetSession(ctx, tenantID, userID, sessionID)
	if err != nil {
		return err
	}
	s.cache.Put(tenantID, userID, sessionID, found.Clone())
	return nil
}

// createMessage stores message under a fresh id. Identical content appended
// within one millisecond would share an id, so a taken id is retried one
// millisecond later.
func (s *Service) createMessage(ctx context.Context, tenantID, userID string, message *domain.Message, payload string, now time.Time) error {
	at := now
	for attempt := 0; attempt < maxMessageIDAttempts; attempt++ {
		message.MessageID = messageID(at, payload)
		err := s.repo.CreateMessage(ctx, tenantID, userID, *message, now.Add(s.sessionTTL))
		if !errors.Is(err, domain.ErrMessageIDTaken) {
			return err
		}
		at = at.Add(time.Millisecond)
	}
	return fmt.Errorf("%w: %d attempts", domain.ErrMessageIDTaken, maxMessageIDAttempts)
}

// AddTokens atomically adds to the session's total_tokens counter.
func (s *Service) AddTokens(ctx context.Context, tenantID, userID, sessionID string, tokens int64) error {
	tenantID, userID, sessionID, err := normalizeSessionRef(tenantID, userID, sessionID)
	if err != nil {
		return err
	}
	if tokens == 0 {
		return nil
	}

	updated, err := s.repo.IncrementCounters(ctx, tenantID, userID, sessionID, 0, tokens, s.clock.Now())
	if err != nil {
		return err
	}
	s.cache.Put(tenantID, userID, sessionID, updated.Clone())
	return nil
}

func (s *Service) newSessionID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("s-%d-%s", s.clock.Now().UnixMilli(), random[:8])
}

func messageID(now time.Time, payload string) string {
	sum := md5.Sum([]byte(payload))
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(sum[:])[:8])
}

func normalizeIdentity(tenantID, userID string) (string, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if err := kvdomain.ValidateComponent(tenantID); err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrInvalidTenant, err)
	}
	if err := kvdomain.ValidateComponent(userID); err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrInvalidUser, err)
	}
	return tenantID, userID, nil
}

func normalizeSessionRef(tenantID, userID, sessionID string) (string, string, string, error) {
	tenantID, userID, err := normalizeIdentity(tenantID, userID)
	if err != nil {
		return "", "", "", err
	}
	sessionID = strings.TrimSpace(sessionID)
	if err := kvdomain.ValidateComponent(sessionID); err != nil {
		return "", "", "", fmt.Errorf("%w: %w", domain.ErrInvalidSessionID, err)
	}
	return tenantID, userID, sessionID, nil
}

func applyFields(session domain.Session, fields map[string]any, now time.Time) domain.Session {
	for key, value := range fields {
		switch key {
		case "title":
			session.Title, _ = value.(string)
		case "status":
			session.Status, _ = value.(string)
		case "metadata":
			if m, ok := value.(map[string]any); ok {
				session.Metadata = copyMap(m)
			}
		}
	}
	session.UpdatedAt = now
	return session
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func isUnavailable(err error) bool {
	return errors.Is(err, kvdomain.ErrStoreUnavailable)
}
