package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chatlog/relay/internal/errors"
	"github.com/chatlog/relay/internal/sessionlog"
	"github.com/chatlog/relay/internal/store"
)

// streamRecord is the wire envelope for one log record: its offset plus
// the encoded chunk row. The subscriber package decodes the same shape.
type streamRecord struct {
	Offset string          `json:"offset"`
	Data   json.RawMessage `json:"data"`
}

// Header reported on stream reads when a generation is still streaming
// into the session. Clients use it to pick the short offset TTL.
const headerActiveGeneration = "Stream-Active-Generation"

// handleStream serves the offset-addressable read side of a session.
//
//	GET /v1/stream/sessions/:id?offset=&live=long-poll|sse&cursor=&limit=
//
// Catch-up reads return immediately with whatever is at or past the
// offset. Long-poll reads hold the request until data arrives or the
// configured wait passes (204 with advanced headers on timeout). SSE keeps
// the connection open and pushes records as events.
func (s *Server) handleStream(c *gin.Context) {
	sessionID := c.Param("id")
	fromOffset := c.Query("offset")
	live := c.Query("live")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errors.AbortWithBadRequest(c, "invalid limit", nil)
			return
		}
		limit = n
	}

	switch live {
	case "":
		s.metrics.StreamReads.WithLabelValues("catchup").Inc()
		s.streamOnce(c, sessionID, fromOffset, store.ReadCatchup, store.ReadOptions{
			Limit:  limit,
			Cursor: c.Query("cursor"),
		})
	case "long-poll":
		s.metrics.StreamReads.WithLabelValues("long-poll").Inc()
		s.streamOnce(c, sessionID, fromOffset, store.ReadLongPoll, store.ReadOptions{
			Wait:   s.cfg.LongPollTimeout(),
			Limit:  limit,
			Cursor: c.Query("cursor"),
		})
	case "sse":
		s.metrics.StreamReads.WithLabelValues("sse").Inc()
		s.streamSSE(c, sessionID, fromOffset, limit)
	default:
		errors.AbortWithBadRequest(c, "invalid live mode", map[string]interface{}{"live": live})
	}
}

func (s *Server) streamOnce(c *gin.Context, sessionID, fromOffset string, mode store.ReadMode, opts store.ReadOptions) {
	batch, err := s.log.ReadRaw(c.Request.Context(), sessionID, sessionlog.KindData, fromOffset, mode, opts)
	if err != nil {
		if stderrors.Is(err, sessionlog.ErrSessionNotFound) {
			errors.AbortWithNotFound(c, "session not found", nil)
			return
		}
		if c.Request.Context().Err() != nil {
			return // client went away
		}
		s.fail(c, err)
		return
	}

	c.Header(store.HeaderNextOffset, batch.NextOffset)
	c.Header(store.HeaderCursor, batch.Cursor)
	c.Header(store.HeaderUpToDate, strconv.FormatBool(batch.UpToDate))
	c.Header(headerActiveGeneration, strconv.FormatBool(s.sessions.HasActiveGeneration(sessionID)))

	if mode == store.ReadLongPoll && len(batch.Records) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	records := make([]streamRecord, 0, len(batch.Records))
	for _, rec := range batch.Records {
		records = append(records, streamRecord{Offset: rec.Offset, Data: rec.Data})
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) streamSSE(c *gin.Context, sessionID, fromOffset string, limit int) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		errors.AbortWithInternal(c, "streaming unsupported", nil)
		return
	}

	// Probe first so a missing session is a clean 404 instead of a dead
	// event stream.
	exists, err := s.log.Exists(c.Request.Context(), sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !exists {
		errors.AbortWithNotFound(c, "session not found", nil)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header(headerActiveGeneration, strconv.FormatBool(s.sessions.HasActiveGeneration(sessionID)))
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	offset := fromOffset
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := s.log.ReadRaw(ctx, sessionID, sessionlog.KindData, offset, store.ReadLongPoll, store.ReadOptions{
			Wait:  s.cfg.LongPollTimeout(),
			Limit: limit,
		})
		if err != nil {
			if ctx.Err() == nil && !stderrors.Is(err, sessionlog.ErrSessionNotFound) {
				s.logger.WithContext(ctx).Error("sse read failed", "error", err.Error())
			}
			return
		}

		if len(batch.Records) == 0 {
			// Keep-alive comment holds proxies open across quiet polls.
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			flusher.Flush()
			continue
		}

		for _, rec := range batch.Records {
			event, err := json.Marshal(streamRecord{Offset: rec.Offset, Data: rec.Data})
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", event)
		}
		flusher.Flush()
		offset = batch.NextOffset
	}
}
