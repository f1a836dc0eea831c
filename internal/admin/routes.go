package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/panopticon/internal/access"
	"github.com/danmuck/panopticon/internal/panopticon"
	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type modeRequest struct {
	Mode string `json:"mode"`
}

type labelRequest struct {
	Label string `json:"label"`
}

type scanRequest struct {
	TagID  string `json:"tag_id"`
	Secret string `json:"secret"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": "panopticon-admin",
			"mode":      s.deps.Access.Mode(),
			"sessions":  s.deps.Devices.ActiveSessions(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Devices without a session post scans with their own secret.
	s.router.POST("/api/sentinel/scan", s.handleDeviceScan)
	s.router.GET("/api/ws", s.requireAdmin(true), s.handleFeed)
	if strings.TrimSpace(s.cfg.LockWebhookToken) != "" {
		s.router.POST("/api/webhooks/utec", s.handleLockWebhook)
	}

	api := s.router.Group("/api", s.requireAdmin(false))
	api.GET("/mode", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"mode": s.deps.Access.Mode()})
	})
	api.POST("/mode", s.handleSetMode)
	api.GET("/cards", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"cards": s.deps.Access.ListCards()})
	})
	api.DELETE("/cards/:id", s.handleRemoveCard)
	api.PATCH("/cards/:id", s.handleLabelCard)
	api.GET("/scan-log", s.handleScanLog)
	api.GET("/sentinels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sentinels": s.deps.Devices.Registry().Snapshot()})
	})
	api.GET("/sentinels/:id/logs", s.handleDeviceLogs)
	api.DELETE("/sentinels/:id/session", s.handleDisconnect)
}

func (s *Server) handleSetMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	mode, err := access.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	changed, err := s.deps.Access.SetMode(c.Request.Context(), mode)
	if err != nil {
		log.Error().Err(err).Str("mode", string(mode)).Msg("admin.setMode failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set mode"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "changed": changed})
}

func (s *Server) handleRemoveCard(c *gin.Context) {
	card, err := s.deps.Access.RemoveCard(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondCardError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"card": card})
}

func (s *Server) handleLabelCard(c *gin.Context) {
	var req labelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	card, err := s.deps.Access.SetCardLabel(c.Request.Context(), c.Param("id"), req.Label)
	if err != nil {
		respondCardError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"card": card})
}

func respondCardError(c *gin.Context, err error) {
	if errors.Is(err, access.ErrCardNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "card not found"})
		return
	}
	log.Error().Err(err).Str("card_id", c.Param("id")).Msg("admin.card update failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "card update failed"})
}

func (s *Server) handleScanLog(c *gin.Context) {
	limit, ok := queryLimit(c, access.DefaultScanLogLimit, MaxScanLogLimit)
	if !ok {
		return
	}
	scans, err := s.deps.Access.ListScans(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("admin.scanLog query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan log unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans})
}

func (s *Server) handleDeviceLogs(c *gin.Context) {
	limit, ok := queryLimit(c, panopticon.DefaultDeviceLogLimit, panopticon.MaxDeviceLogLimit)
	if !ok {
		return
	}
	logs, err := s.deps.Devices.DeviceLogs(c.Request.Context(), c.Param("id"), limit)
	if errors.Is(err, panopticon.ErrDeviceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sentinel not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("device_id", c.Param("id")).Msg("admin.deviceLogs query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device logs unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	err := s.deps.Devices.Disconnect(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, panopticon.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "sentinel not found"})
	case errors.Is(err, panopticon.ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": "sentinel not connected"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleDeviceScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	device, err := s.deps.Devices.Registry().Authenticate(c.Request.Context(), req.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	tag, err := rfid.ParseTagID(req.TagID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.deps.Access.ProcessScan(c.Request.Context(), tag)
	if err != nil {
		log.Error().Err(err).Str("device_id", device.ID).Msg("admin.deviceScan failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"action":     d.Action,
		"suppressed": d.Suppressed,
		"created":    d.Created,
	})
}

func queryLimit(c *gin.Context, def, max int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, max), true
}
