package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chatlog/relay/internal/agent"
	"github.com/chatlog/relay/internal/errors"
	"github.com/chatlog/relay/internal/projection"
	"github.com/chatlog/relay/internal/session"
)

// fail maps service errors onto the API error shapes.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case stderrors.Is(err, session.ErrSessionNotFound):
		errors.AbortWithNotFound(c, "session not found", nil)
	case stderrors.Is(err, session.ErrAgentNotFound):
		errors.AbortWithNotFound(c, "agent not registered", nil)
	case stderrors.Is(err, session.ErrNoActiveTarget):
		errors.AbortWithNotFound(c, "no active generation for message", nil)
	case stderrors.Is(err, session.ErrSessionExists):
		errors.AbortWithConflict(c, "session already exists", nil)
	default:
		s.logger.WithContext(c.Request.Context()).Error("request failed",
			"error", err.Error(),
			"path", c.Request.URL.Path)
		errors.AbortWithInternal(c, "internal error", nil)
	}
}

// handleCreateSession serves POST /sessions (201) and PUT /sessions/{id}.
// PUT is idempotent: repeating it on an existing session is a 200 no-op,
// sessions are created lazily on first reference.
func (s *Server) handleCreateSession(c *gin.Context) {
	var opts session.CreateOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			errors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}
	}

	sess, err := s.sessions.Create(c.Request.Context(), c.Param("id"), opts)
	if stderrors.Is(err, session.ErrSessionExists) && c.Request.Method == http.MethodPut {
		if sess, err = s.sessions.Get(c.Request.Context(), c.Param("id")); err == nil {
			c.JSON(http.StatusOK, s.sessionView(sess))
			return
		}
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusCreated
	if c.Request.Method == http.MethodPut {
		status = http.StatusOK
	}
	c.JSON(status, s.sessionView(sess))
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.sessions.List()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.sessionView(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	view := s.sessionView(sess)
	view["activeGeneration"] = s.sessions.HasActiveGeneration(sess.ID)
	c.JSON(http.StatusOK, view)
}

func (s *Server) sessionView(sess *session.Session) gin.H {
	out := gin.H{
		"id":        sess.ID,
		"sessionId": sess.ID,
		"streamUrl": s.streamURL(sess.ID),
		"createdAt": sess.CreatedAt,
		"agents":    sess.Agents(),
	}
	if sess.Title != "" {
		out["title"] = sess.Title
	}
	if sess.ForkedFrom != "" {
		out["forkedFrom"] = sess.ForkedFrom
	}
	return out
}

// streamURL is the absolute read endpoint a subscriber should follow.
func (s *Server) streamURL(sessionID string) string {
	return strings.TrimSuffix(s.cfg.ProxyURL, "/") + "/v1/stream/sessions/" + sessionID
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req session.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if req.Text == "" && req.Content == "" && len(req.Parts) == 0 {
		errors.AbortWithBadRequest(c, "message requires content, text or parts", nil)
		return
	}

	result, err := s.sessions.SendMessage(c.Request.Context(), c.Param("id"), actorID(c), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (s *Server) handleGetMessages(c *gin.Context) {
	proj, err := s.project(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": proj.Messages(),
		"offset":   proj.Offset(),
	})
}

// handleRegenerate serves both route shapes: the target comes from the
// path, or from fromMessageId in the body on the flat route. An optional
// content field replays the target user message with an edit.
func (s *Server) handleRegenerate(c *gin.Context) {
	target := c.Param("messageId")
	var req struct {
		FromMessageID string `json:"fromMessageId"`
		Content       string `json:"content"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}
	}
	if target == "" {
		target = req.FromMessageID
	}
	if target == "" {
		errors.AbortWithBadRequest(c, "fromMessageId is required", nil)
		return
	}

	messageID, err := s.sessions.Regenerate(c.Request.Context(), c.Param("id"), target, req.Content)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"messageId": messageID})
}

func (s *Server) handleStop(c *gin.Context) {
	// messageId targets one generation; omitting it stops every active
	// generation in the session.
	var req struct {
		MessageID string `json:"messageId"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}
	}

	stopped, err := s.sessions.StopGeneration(c.Request.Context(), c.Param("id"), req.MessageID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"stopped": stopped, "messageId": req.MessageID})
}

func (s *Server) handleListAgents(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	agents := sess.Agents()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// handleRegisterAgents upserts agents on the session. The body is either a
// single agent object or {"agents": [...]}.
func (s *Server) handleRegisterAgents(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errors.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}

	var batch struct {
		Agents []agent.Agent `json:"agents"`
	}
	var agents []agent.Agent
	if err := json.Unmarshal(body, &batch); err == nil && len(batch.Agents) > 0 {
		agents = batch.Agents
	} else {
		var a agent.Agent
		if err := json.Unmarshal(body, &a); err != nil {
			errors.AbortWithBadRequest(c, "invalid agent", map[string]interface{}{"error": err.Error()})
			return
		}
		agents = []agent.Agent{a}
	}

	for _, a := range agents {
		if a.Endpoint == "" {
			errors.AbortWithBadRequest(c, "agent endpoint is required", nil)
			return
		}
	}
	for _, a := range agents {
		if err := s.sessions.RegisterAgent(c.Request.Context(), c.Param("id"), a); err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"agents": agents})
}

func (s *Server) handleUnregisterAgent(c *gin.Context) {
	if err := s.sessions.UnregisterAgent(c.Request.Context(), c.Param("id"), c.Param("agentId")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleInvokeAgent(c *gin.Context) {
	messageID, err := s.sessions.InvokeAgent(c.Request.Context(), c.Param("id"), c.Param("agentId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"messageId": messageID})
}

func (s *Server) handleToolResult(c *gin.Context) {
	var req struct {
		ToolCallID string          `json:"toolCallId" binding:"required"`
		Result     json.RawMessage `json:"result,omitempty"`
		Error      string          `json:"error,omitempty"`
		MessageID  string          `json:"messageId,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "toolCallId is required", nil)
		return
	}
	if len(req.Result) == 0 && req.Error == "" {
		errors.AbortWithBadRequest(c, "tool result requires result or error", nil)
		return
	}

	result, err := s.sessions.ToolResult(c.Request.Context(), c.Param("id"), actorID(c), req.ToolCallID, req.Result, req.Error, req.MessageID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (s *Server) handleListApprovals(c *gin.Context) {
	proj, err := s.project(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	pendingOnly := c.Query("pending") == "true"
	approvals := proj.Approvals()
	if pendingOnly {
		approvals = proj.PendingApprovals()
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

// handleApproval serves both route shapes: the approval id comes from the
// path, or from approvalId in the body on the flat route.
func (s *Server) handleApproval(c *gin.Context) {
	var req struct {
		ApprovalID string `json:"approvalId"`
		Approved   *bool  `json:"approved" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "approved is required", nil)
		return
	}
	approvalID := c.Param("approvalId")
	if approvalID == "" {
		approvalID = req.ApprovalID
	}
	if approvalID == "" {
		errors.AbortWithBadRequest(c, "approvalId is required", nil)
		return
	}

	result, err := s.sessions.ApprovalResponse(c.Request.Context(), c.Param("id"), actorID(c), approvalID, *req.Approved)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (s *Server) handleFork(c *gin.Context) {
	var req struct {
		NewSessionID string `json:"newSessionId,omitempty"`
		AtMessageID  string `json:"atMessageId,omitempty"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}
	}

	forked, offset, err := s.sessions.Fork(c.Request.Context(), c.Param("id"), req.NewSessionID, req.AtMessageID)
	if err != nil {
		s.fail(c, err)
		return
	}
	view := s.sessionView(forked)
	view["offset"] = offset
	c.JSON(http.StatusCreated, view)
}

func (s *Server) handleStats(c *gin.Context) {
	proj, err := s.project(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, proj.Stats())
}

func (s *Server) handleListStreams(c *gin.Context) {
	streams := s.sessions.ActiveStreams()
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].SessionID != streams[j].SessionID {
			return streams[i].SessionID < streams[j].SessionID
		}
		return streams[i].MessageID < streams[j].MessageID
	})
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

// project folds the session's full data log into a fresh projection for
// the read-model endpoints.
func (s *Server) project(c *gin.Context) (*projection.Projection, error) {
	rows, err := s.log.ReadAll(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	proj := projection.New()
	proj.ApplyAll(rows)
	return proj, nil
}
