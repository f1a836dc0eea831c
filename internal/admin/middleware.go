package admin

import (
	"net/http"

	"github.com/danmuck/panopticon/internal/auth"
	"github.com/danmuck/panopticon/internal/observability"
	"github.com/gin-gonic/gin"
)

const claimsKey = "admin.subject"

// requireAdmin accepts "Authorization: Bearer <jwt>". Browsers cannot set
// headers on a WebSocket upgrade, so allowQuery also accepts ?token=.
func (s *Server) requireAdmin(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok && allowQuery {
			token = c.Query("token")
			ok = token != ""
		}
		if !ok || s.deps.Tokens == nil {
			observability.RecordAuthFailure("admin_missing")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := s.deps.Tokens.Parse(token)
		if err != nil {
			observability.RecordAuthFailure("admin_token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(claimsKey, claims.Subject)
		c.Next()
	}
}
