package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	interactiondomain "github.com/smallbiznis/chatledger/internal/interaction/domain"
	sessiondomain "github.com/smallbiznis/chatledger/internal/session/domain"
)

type beginInteractionRequest struct {
	SessionID string                `json:"session_id"`
	Title     string                `json:"title"`
	Prompt    sessiondomain.Content `json:"prompt"`
	Metadata  map[string]any        `json:"metadata"`
}

// BeginInteraction authorizes a turn. The caller runs the agent only after
// a 200 response and reports the outcome to CompleteInteraction.
func (s *Server) BeginInteraction(c *gin.Context) {
	var req beginInteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	turn, err := s.interactions.Begin(c.Request.Context(), interactiondomain.BeginRequest{
		Identity:  identityFrom(c),
		SessionID: req.SessionID,
		Title:     req.Title,
		Prompt:    req.Prompt,
		Metadata:  req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("session_id", turn.Session.SessionID)
	c.JSON(http.StatusOK, gin.H{"data": turn})
}

func (s *Server) CompleteInteraction(c *gin.Context) {
	var outcome interactiondomain.Outcome
	if err := c.ShouldBindJSON(&outcome); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("session_id", outcome.SessionID)

	result, err := s.interactions.Complete(c.Request.Context(), interactiondomain.CompleteRequest{
		Identity: identityFrom(c),
		Outcome:  outcome,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
