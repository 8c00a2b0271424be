package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	quotadomain "github.com/smallbiznis/chatledger/internal/quota/domain"
	sessiondomain "github.com/smallbiznis/chatledger/internal/session/domain"
)

type createSessionRequest struct {
	SessionID string         `json:"session_id"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata"`
}

type appendMessageRequest struct {
	Role     string                `json:"role"`
	Content  sessiondomain.Content `json:"content"`
	Metadata map[string]any        `json:"metadata"`
}

func (s *Server) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	id := identityFrom(c)
	ctx := c.Request.Context()
	if id.Tier != "" {
		if _, err := s.quotaSvc.Authorize(ctx, quotadomain.AuthorizeRequest{
			TenantID:   id.TenantID,
			Tier:       id.Tier,
			NewSession: true,
		}); err != nil {
			AbortWithError(c, err)
			return
		}
	}

	session, err := s.sessionSvc.CreateSession(ctx, sessiondomain.CreateSessionRequest{
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		SessionID: strings.TrimSpace(req.SessionID),
		Title:     req.Title,
		Metadata:  req.Metadata,
		Tier:      id.Tier,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("session_id", session.SessionID)
	c.JSON(http.StatusCreated, gin.H{"data": session})
}

func (s *Server) GetSession(c *gin.Context) {
	id := identityFrom(c)
	sessionID := strings.TrimSpace(c.Param("id"))
	c.Set("session_id", sessionID)

	session, err := s.sessionSvc.GetSession(c.Request.Context(), id.TenantID, id.UserID, sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) ListSessions(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	id := identityFrom(c)
	sessions, err := s.sessionSvc.ListSessions(c.Request.Context(), sessiondomain.ListSessionsRequest{
		TenantID: id.TenantID,
		UserID:   id.UserID,
		Limit:    limit,
		Status:   strings.TrimSpace(c.Query("status")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sessions})
}

func (s *Server) UpdateSession(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil || len(fields) == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	id := identityFrom(c)
	sessionID := strings.TrimSpace(c.Param("id"))
	c.Set("session_id", sessionID)

	session, err := s.sessionSvc.UpdateSession(c.Request.Context(), sessiondomain.UpdateSessionRequest{
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		SessionID: sessionID,
		Fields:    fields,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) DeleteSession(c *gin.Context) {
	id := identityFrom(c)
	sessionID := strings.TrimSpace(c.Param("id"))
	c.Set("session_id", sessionID)

	deleted, err := s.sessionSvc.DeleteSession(c.Request.Context(), id.TenantID, id.UserID, sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) AppendMessage(c *gin.Context) {
	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	id := identityFrom(c)
	sessionID := strings.TrimSpace(c.Param("id"))
	c.Set("session_id", sessionID)

	message, err := s.sessionSvc.AppendMessage(c.Request.Context(), sessiondomain.AppendMessageRequest{
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		SessionID: sessionID,
		Role:      req.Role,
		Content:   req.Content,
		Metadata:  req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": message})
}

func (s *Server) ListMessages(c *gin.Context) {
	req, err := s.messagesRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	messages, err := s.sessionSvc.GetMessages(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": messages})
}

func (s *Server) GetConversation(c *gin.Context) {
	req, err := s.messagesRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	turns, err := s.sessionSvc.GetConversation(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": turns})
}

func (s *Server) messagesRequest(c *gin.Context) (sessiondomain.GetMessagesRequest, error) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return sessiondomain.GetMessagesRequest{}, err
	}

	id := identityFrom(c)
	sessionID := strings.TrimSpace(c.Param("id"))
	c.Set("session_id", sessionID)

	return sessiondomain.GetMessagesRequest{
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		SessionID: sessionID,
		Limit:     limit,
		Before:    strings.TrimSpace(c.Query("before")),
	}, nil
}
