package admin

import (
	"io"
	"net/http"

	"github.com/danmuck/panopticon/internal/auth"
	"github.com/danmuck/panopticon/internal/events"
	"github.com/danmuck/panopticon/internal/lock"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxWebhookBody = 256 << 10

// handleLockWebhook republishes lock state pushed by the U-Tec cloud, which
// echoes the registration token as ?access_token=. The request logger records
// only the path.
func (s *Server) handleLockWebhook(c *gin.Context) {
	if !auth.MatchSecret(s.cfg.LockWebhookToken, c.Query("access_token")) {
		log.Warn().Str("remote", c.ClientIP()).Msg("admin.lockWebhook invalid token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "notification too large"})
		return
	}
	changes, err := lock.ParseNotification(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification"})
		return
	}
	for _, ch := range changes {
		log.Info().Str("lock_id", ch.LockID).Str("lock_state", ch.State).Msg("admin.lockWebhook lock state change")
		s.deps.Events.Publish(events.LockResult(events.LockResultData{
			LockID: ch.LockID,
			OK:     true,
			State:  ch.State,
		}))
	}
	c.JSON(http.StatusOK, gin.H{"locks": len(changes)})
}
