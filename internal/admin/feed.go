package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const feedWriteTimeout = 5 * time.Second

// handleFeed streams broadcaster events as {"type","data"} JSON messages. A
// subscriber the broadcaster gives up on is closed with StatusPolicyViolation.
func (s *Server) handleFeed(c *gin.Context) {
	if s.deps.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed unavailable"})
		return
	}
	opts := &websocket.AcceptOptions{OriginPatterns: originPatterns(s.cfg.CORSOrigins)}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		log.Warn().Err(err).Msg("admin.feed accept failed")
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := s.deps.Events.Subscribe()
	defer sub.Close()
	log.Debug().Str("remote", c.ClientIP()).Msg("admin.feed subscribed")

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-sub.Done():
			_ = conn.Close(websocket.StatusPolicyViolation, "subscriber overflow")
			return
		case ev := <-sub.Events():
			writeCtx, cancelWrite := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// originPatterns converts CORS origins into host patterns for the upgrade
// origin check.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range normalizeOrigins(origins) {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		out = append(out, o)
	}
	return out
}
