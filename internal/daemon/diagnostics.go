package daemon

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/buildrmi/internal/auth"
	"github.com/danmuck/buildrmi/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type broadcastRequest struct {
	Line string `json:"line" binding:"required"`
}

// Router returns the diagnostics HTTP handler.
func (s *Server) Router() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestObserver(s.cfg.Name, log.Logger))

	r.GET("/health", func(c *gin.Context) {
		status := "ok"
		select {
		case <-s.done:
			status = "stopping"
		default:
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      status,
			"uptime":      time.Since(s.started).String(),
			"component":   "rmid",
			"name":        s.cfg.Name,
			"connections": len(s.snapshotConns()),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connections": s.Connections(),
		})
	})

	r.GET("/stats", func(c *gin.Context) {
		var buf bytes.Buffer
		if err := s.DumpStatistics(&buf); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
	})

	r.GET("/tasks", func(c *gin.Context) {
		tasks, _ := s.deltas.Tasks(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
	})

	operator := auth.StaticToken{Token: s.cfg.OperatorToken}
	ops := r.Group("/")
	if s.cfg.OperatorToken != "" {
		ops.Use(auth.RequireBearer(operator))
	}
	ops.POST("/output", func(c *gin.Context) {
		var req broadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		n, err := s.Broadcast(c.Request.Context(), strings.TrimRight(req.Line, "\n"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"delivered": n})
	})

	// Without an operator token nobody may stop the daemon over HTTP.
	r.POST("/shutdown", auth.RequireBearer(operator), func(c *gin.Context) {
		s.Shutdown()
		c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
	})

	return r
}
