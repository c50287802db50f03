// Package httpapi exposes the relay over HTTP: the session protocol, the
// offset-addressable stream endpoint, health and metrics.
package httpapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatlog/relay/internal/config"
	"github.com/chatlog/relay/internal/logger"
	"github.com/chatlog/relay/internal/metrics"
	"github.com/chatlog/relay/internal/session"
	"github.com/chatlog/relay/internal/sessionlog"
)

// Request headers of the protocol.
const (
	HeaderActorID         = "X-Actor-Id"
	HeaderRequestID       = "X-Request-Id"
	HeaderResumeActiveGen = "X-Resume-Active-Generation"
)

// Server owns the gin router and its handler dependencies.
type Server struct {
	router   *gin.Engine
	sessions *session.Service
	log      *sessionlog.Log
	metrics  *metrics.Metrics
	logger   *logger.Logger
	cfg      *config.Config
}

// NewServer builds the router with all routes registered.
func NewServer(sessions *session.Service, log *sessionlog.Log, m *metrics.Metrics, lg *logger.Logger, cfg *config.Config) *Server {
	s := &Server{
		sessions: sessions,
		log:      log,
		metrics:  m,
		logger:   lg.WithComponent("httpapi"),
		cfg:      cfg,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestID())
	router.Use(s.requestLog())

	router.GET("/health", s.handleHealth)
	router.GET("/health/live", s.handleHealth)
	router.GET("/health/ready", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/sessions", s.handleCreateSession)
		v1.GET("/sessions", s.handleListSessions)
		v1.PUT("/sessions/:id", s.handleCreateSession)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.DELETE("/sessions/:id", s.handleDeleteSession)

		v1.POST("/sessions/:id/messages", s.handleSendMessage)
		v1.GET("/sessions/:id/messages", s.handleGetMessages)
		v1.POST("/sessions/:id/messages/:messageId/regenerate", s.handleRegenerate)
		v1.POST("/sessions/:id/regenerate", s.handleRegenerate)
		v1.POST("/sessions/:id/stop", s.handleStop)

		v1.GET("/sessions/:id/agents", s.handleListAgents)
		v1.POST("/sessions/:id/agents", s.handleRegisterAgents)
		v1.DELETE("/sessions/:id/agents/:agentId", s.handleUnregisterAgent)
		v1.POST("/sessions/:id/agents/:agentId/invoke", s.handleInvokeAgent)

		v1.POST("/sessions/:id/tool-results", s.handleToolResult)
		v1.GET("/sessions/:id/approvals", s.handleListApprovals)
		v1.POST("/sessions/:id/approvals", s.handleApproval)
		v1.POST("/sessions/:id/approvals/:approvalId", s.handleApproval)
		v1.POST("/sessions/:id/fork", s.handleFork)
		v1.GET("/sessions/:id/stats", s.handleStats)

		v1.GET("/streams", s.handleListStreams)
		v1.GET("/stream/sessions/:id", s.handleStream)
	}

	s.router = router
	return s
}

// Router returns the underlying gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// requestID tags every request with an id, honoring one supplied by the
// caller, and threads it into the request context for log correlation.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = logger.GenerateRequestID()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Long-poll and SSE reads are expected to be slow; keep them at
		// debug so request logs stay readable.
		level := slog.LevelInfo
		if c.FullPath() == "/v1/stream/sessions/:id" || c.FullPath() == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.WithContext(c.Request.Context()).Log(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

// actorID resolves the acting identity for a request.
func actorID(c *gin.Context) string {
	if id := c.GetHeader(HeaderActorID); id != "" {
		return id
	}
	return "anonymous"
}
