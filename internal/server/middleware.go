package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	interactiondomain "github.com/smallbiznis/chatledger/internal/interaction/domain"
	obscontext "github.com/smallbiznis/chatledger/internal/observability/context"
)

const (
	HeaderTenant = "X-Tenant-ID"
	HeaderUser   = "X-User-ID"
	HeaderTier   = "X-Subscription-Tier"

	contextIdentityKey = "identity"
)

// IdentityRequired reads the caller identity set by the upstream
// authentication layer. Values are trusted as given.
func IdentityRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := interactiondomain.Identity{
			TenantID: strings.TrimSpace(c.GetHeader(HeaderTenant)),
			UserID:   strings.TrimSpace(c.GetHeader(HeaderUser)),
			Tier:     strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderTier))),
		}
		if id.TenantID == "" || id.UserID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextIdentityKey, id)
		c.Set("tier", id.Tier)
		c.Request = c.Request.WithContext(obscontext.WithIdentity(c.Request.Context(), id.TenantID, id.UserID))
		c.Next()
	}
}

func identityFrom(c *gin.Context) interactiondomain.Identity {
	value, ok := c.Get(contextIdentityKey)
	if !ok {
		return interactiondomain.Identity{}
	}
	id, _ := value.(interactiondomain.Identity)
	return id
}
