package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlog/relay/internal/agent"
	"github.com/chatlog/relay/internal/chunk"
	"github.com/chatlog/relay/internal/config"
	"github.com/chatlog/relay/internal/ingest"
	"github.com/chatlog/relay/internal/logger"
	"github.com/chatlog/relay/internal/metrics"
	"github.com/chatlog/relay/internal/session"
	"github.com/chatlog/relay/internal/sessionlog"
	"github.com/chatlog/relay/internal/store"
)

func newTestServer(t *testing.T) (*Server, *session.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	lg := logger.New(logger.FromConfig("error", "text"))
	log := sessionlog.New(store.NewMemoryStore(), lg)
	m := metrics.New(prometheus.NewRegistry())
	invoker := agent.NewInvoker(time.Minute, lg)
	pipeline := ingest.New(log, lg, ingest.Options{})
	svc := session.NewService(log, invoker, pipeline, m, lg, nil)

	cfg := &config.Config{ProxyURL: "http://localhost:4001", LongPollTimeoutSeconds: 1, LivePollIntervalMillis: 50}
	return NewServer(svc, log, m, lg, cfg), svc
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderActorID, "user-1")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestCreateGetDeleteSession(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPut, "/v1/sessions/s1", `{"title":"demo"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "s1", created["sessionId"])
	assert.Equal(t, "http://localhost:4001/v1/stream/sessions/s1", created["streamUrl"])

	// Referencing the same session again is a no-op, not a conflict.
	w = do(t, srv, http.MethodPut, "/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var again map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Equal(t, "demo", again["title"], "repeat PUT keeps the original metadata")

	w = do(t, srv, http.MethodPost, "/v1/sessions", `{"id":"s2"}`)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, srv, http.MethodGet, "/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "s1", got["id"])
	assert.Equal(t, "demo", got["title"])

	w = do(t, srv, http.MethodDelete, "/v1/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, srv, http.MethodGet, "/v1/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendAndReadMessages(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)

	w := do(t, srv, http.MethodPost, "/v1/sessions/s1/messages", `{"text":"hello there","txid":7}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var result session.SendResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.NotEmpty(t, result.MessageID)
	assert.NotEmpty(t, result.Offset)
	assert.Equal(t, int64(7), result.TxID, "txid echoes back for optimistic matching")

	w = do(t, srv, http.MethodGet, "/v1/sessions/s1/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Messages []struct {
			ID    string              `json:"id"`
			Parts []chunk.MessagePart `json:"parts"`
		} `json:"messages"`
		Offset string `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Messages, 1)
	assert.Equal(t, result.MessageID, view.Messages[0].ID)
	assert.NotEmpty(t, view.Offset)
}

func TestSendMessageContentField(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)

	// content is the wire alias for a single text part, and the caller may
	// pick the message id and actor in the body.
	w := do(t, srv, http.MethodPost, "/v1/sessions/s1/messages",
		`{"messageId":"U1","content":"Hello","actorId":"alice"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var result session.SendResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "U1", result.MessageID)

	w = do(t, srv, http.MethodGet, "/v1/sessions/s1/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Messages []struct {
			ID      string              `json:"id"`
			ActorID string              `json:"actorId"`
			Parts   []chunk.MessagePart `json:"parts"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "U1", view.Messages[0].ID)
	assert.Equal(t, "alice", view.Messages[0].ActorID)
	require.Len(t, view.Messages[0].Parts, 1)
	assert.Equal(t, "Hello", view.Messages[0].Parts[0].Content)
}

func TestSendMessageValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)

	w := do(t, srv, http.MethodPost, "/v1/sessions/s1/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodPost, "/v1/sessions/missing/messages", `{"text":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamCatchup(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)
	do(t, srv, http.MethodPost, "/v1/sessions/s1/messages", `{"text":"first"}`)
	do(t, srv, http.MethodPost, "/v1/sessions/s1/messages", `{"text":"second"}`)

	w := do(t, srv, http.MethodGet, "/v1/stream/sessions/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(store.HeaderUpToDate))
	next := w.Header().Get(store.HeaderNextOffset)
	require.NotEmpty(t, next)

	var records []struct {
		Offset string          `json:"offset"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 2)

	row, err := chunk.DecodeRow(records[0].Data, records[0].Offset)
	require.NoError(t, err)
	assert.Equal(t, chunk.RoleUser, row.Role)

	// Resuming from the reported offset yields nothing new.
	w = do(t, srv, http.MethodGet, "/v1/stream/sessions/s1?offset="+next, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	assert.Empty(t, records)
}

func TestStreamLongPollTimeout(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)

	start := time.Now()
	w := do(t, srv, http.MethodGet, "/v1/stream/sessions/s1?live=long-poll", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, "true", w.Header().Get(store.HeaderUpToDate))
}

func TestStreamUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/v1/stream/sessions/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodGet, "/v1/stream/sessions/ghost?live=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentRegistrationEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)

	w := do(t, srv, http.MethodPost, "/v1/sessions/s1/agents", `{"id":"helper","endpoint":"http://helper.invalid"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, srv, http.MethodPost, "/v1/sessions/s1/agents", `{"id":"broken"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "endpoint is required")

	w = do(t, srv, http.MethodGet, "/v1/sessions/s1/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	var agents struct {
		Agents []agent.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "helper", agents.Agents[0].ID)

	w = do(t, srv, http.MethodDelete, "/v1/sessions/s1/agents/helper", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, srv, http.MethodDelete, "/v1/sessions/s1/agents/helper", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestToolResultAndApprovalEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)

	w := do(t, srv, http.MethodPost, "/v1/sessions/s1/tool-results", `{"toolCallId":"tc1","result":{"hits":3}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, srv, http.MethodPost, "/v1/sessions/s1/approvals", `{"approvalId":"ap1","approved":false}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// The approval id can come from the path instead of the body.
	w = do(t, srv, http.MethodPost, "/v1/sessions/s1/approvals/ap2", `{"approved":true}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, srv, http.MethodPost, "/v1/sessions/s1/approvals", `{"approved":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "flat route needs approvalId in the body")

	w = do(t, srv, http.MethodGet, "/v1/sessions/s1/approvals", "")
	require.Equal(t, http.StatusOK, w.Code)
	var approvals struct {
		Approvals []struct {
			ID       string `json:"id"`
			Resolved bool   `json:"resolved"`
			Approved bool   `json:"approved"`
		} `json:"approvals"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &approvals))
	require.Len(t, approvals.Approvals, 2)
	byID := map[string]bool{}
	for _, a := range approvals.Approvals {
		assert.True(t, a.Resolved)
		byID[a.ID] = a.Approved
	}
	assert.False(t, byID["ap1"])
	assert.True(t, byID["ap2"])
}

func TestToolResultRequiresOutputOrError(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)

	w := do(t, srv, http.MethodPost, "/v1/sessions/s1/tool-results", `{"toolCallId":"tc1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// An execution error is a valid outcome on its own.
	w = do(t, srv, http.MethodPost, "/v1/sessions/s1/tool-results", `{"toolCallId":"tc1","error":"command not found"}`)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestStopWithoutActiveGeneration(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)

	// No messageId means stop everything; with nothing running that is a 404.
	w := do(t, srv, http.MethodPost, "/v1/sessions/s1/stop", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodPost, "/v1/sessions/s1/stop", `{"messageId":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForkEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)

	w := do(t, srv, http.MethodPost, "/v1/sessions/s1/messages", `{"text":"keep me"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, srv, http.MethodPost, "/v1/sessions/s1/fork", `{"newSessionId":"s1-fork"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var forked map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &forked))
	assert.Equal(t, "s1-fork", forked["id"])
	assert.Equal(t, "s1", forked["forkedFrom"])
	assert.NotEmpty(t, forked["offset"], "fork reports the last copied offset")

	w = do(t, srv, http.MethodGet, "/v1/sessions/s1-fork/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "keep me")
}

func TestRegenerateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)

	w := do(t, srv, http.MethodPost, "/v1/sessions/s1/messages", `{"text":"first draft"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var sent session.SendResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))

	w = do(t, srv, http.MethodPost, "/v1/sessions/s1/regenerate",
		`{"fromMessageId":"`+sent.MessageID+`","content":"second draft"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var regen struct {
		MessageID string `json:"messageId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &regen))
	assert.NotEqual(t, sent.MessageID, regen.MessageID)

	w = do(t, srv, http.MethodGet, "/v1/sessions/s1/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "second draft")

	w = do(t, srv, http.MethodPost, "/v1/sessions/s1/regenerate", `{"content":"no target"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/v1/sessions/s1", "").Code)
	do(t, srv, http.MethodPost, "/v1/sessions/s1/messages", `{"text":"count me"}`)

	w := do(t, srv, http.MethodGet, "/v1/sessions/s1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Messages int `json:"messages"`
		Chunks   int `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Messages)
	assert.Equal(t, 1, stats.Chunks)
}

func TestHealthAndStreams(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/v1/streams", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"streams":[]}`, w.Body.String())
}
