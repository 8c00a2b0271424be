package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultCostWindowDays = 30

func (s *Server) GetCostReport(c *gin.Context) {
	days, err := parseDays(c.Query("days"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	report, err := s.costSvc.ComprehensiveReport(c.Request.Context(), identityFrom(c).TenantID, days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) GetTenantCost(c *gin.Context) {
	start, end, ok := s.costRange(c)
	if !ok {
		return
	}

	cost, err := s.costSvc.TenantOverallCost(c.Request.Context(), identityFrom(c).TenantID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cost})
}

func (s *Server) ListUserCosts(c *gin.Context) {
	start, end, ok := s.costRange(c)
	if !ok {
		return
	}

	costs, err := s.costSvc.PerUserCost(c.Request.Context(), identityFrom(c).TenantID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": costs})
}

func (s *Server) ListServiceCosts(c *gin.Context) {
	start, end, ok := s.costRange(c)
	if !ok {
		return
	}

	costs, err := s.costSvc.ServiceWiseCost(c.Request.Context(), identityFrom(c).TenantID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": costs})
}

// ListUserServiceCosts groups by user and service. user_id narrows the
// report to one user; "*" covers every user.
func (s *Server) ListUserServiceCosts(c *gin.Context) {
	start, end, ok := s.costRange(c)
	if !ok {
		return
	}

	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "*" {
		userID = ""
	}

	costs, err := s.costSvc.UserServiceWiseCost(c.Request.Context(), identityFrom(c).TenantID, userID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": costs})
}

func (s *Server) costRange(c *gin.Context) (time.Time, time.Time, bool) {
	start, end, err := parseTimeRange(c.Query("start"), c.Query("end"), s.clock.Now(), defaultCostWindowDays)
	if err != nil {
		AbortWithError(c, err)
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
