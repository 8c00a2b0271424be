package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/chatledger/internal/config"
)

type tierView struct {
	Name string `json:"name"`
	config.TierLimits
}

// GetQuotaStatus reports the caller's counters against its tier without
// changing them.
func (s *Server) GetQuotaStatus(c *gin.Context) {
	id := identityFrom(c)
	if id.Tier == "" {
		AbortWithError(c, newValidationError("tier", "required", HeaderTier+" header is required"))
		return
	}

	status, err := s.quotaSvc.CheckUsageLimits(c.Request.Context(), id.TenantID, id.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) ListTiers(c *gin.Context) {
	cfg := s.tiers.Get()

	tiers := make([]tierView, 0, len(cfg.Tiers))
	for name, limits := range cfg.Tiers {
		tiers = append(tiers, tierView{Name: name, TierLimits: limits})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Name < tiers[j].Name })

	c.JSON(http.StatusOK, gin.H{"data": tiers, "default_tier": cfg.DefaultTier})
}
