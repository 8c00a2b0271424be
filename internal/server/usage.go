package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/chatledger/internal/usage/domain"
)

const defaultEventWindowDays = 7

type recordCostRequest struct {
	SessionID  string          `json:"session_id"`
	MetricType string          `json:"metric_type"`
	Value      decimal.Decimal `json:"value"`
	Cost       decimal.Decimal `json:"cost"`
	Metadata   map[string]any  `json:"metadata"`
}

func (s *Server) GetUsageSummary(c *gin.Context) {
	days, err := parseDays(c.Query("days"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.usageSvc.GetUsageSummary(c.Request.Context(), identityFrom(c).TenantID, days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) ListUsageEvents(c *gin.Context) {
	start, end, err := parseTimeRange(c.Query("start"), c.Query("end"), s.clock.Now(), defaultEventWindowDays)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	events, err := s.usageSvc.GetUsageMetrics(c.Request.Context(), identityFrom(c).TenantID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (s *Server) ListCostEvents(c *gin.Context) {
	start, end, err := parseTimeRange(c.Query("start"), c.Query("end"), s.clock.Now(), defaultEventWindowDays)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	events, err := s.usageSvc.GetCostEvents(c.Request.Context(), identityFrom(c).TenantID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	metricType := strings.TrimSpace(c.Query("metric_type"))
	if metricType != "" {
		filtered := events[:0]
		for _, event := range events {
			if event.MetricType == metricType {
				filtered = append(filtered, event)
			}
		}
		events = filtered
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (s *Server) RecordCostMetric(c *gin.Context) {
	var req recordCostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	id := identityFrom(c)
	c.Set("session_id", req.SessionID)
	event, err := s.usageSvc.RecordCostMetric(c.Request.Context(), usagedomain.RecordCostRequest{
		TenantID:   id.TenantID,
		UserID:     id.UserID,
		SessionID:  req.SessionID,
		MetricType: req.MetricType,
		Value:      req.Value,
		Cost:       req.Cost,
		Metadata:   req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": event})
}

func (s *Server) GetTenantOverview(c *gin.Context) {
	overview, err := s.usageSvc.GetTenantOverview(c.Request.Context(), identityFrom(c).TenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": overview})
}
