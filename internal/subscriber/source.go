package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chatlog/relay/internal/chunk"
	"github.com/chatlog/relay/internal/sessionlog"
	"github.com/chatlog/relay/internal/store"
)

// Source yields session rows from some vantage point: in-process against
// the session log, or remote against a relay's stream endpoint.
type Source interface {
	Read(ctx context.Context, sessionID, fromOffset string, mode store.ReadMode, opts store.ReadOptions) (sessionlog.RowBatch, error)
}

// LogSource reads directly from a local session log. Used when the
// subscriber runs inside the relay process.
type LogSource struct {
	Log *sessionlog.Log
}

func (s LogSource) Read(ctx context.Context, sessionID, fromOffset string, mode store.ReadMode, opts store.ReadOptions) (sessionlog.RowBatch, error) {
	return s.Log.Read(ctx, sessionID, sessionlog.KindData, fromOffset, mode, opts)
}

// HTTPSource reads a relay's stream endpoint. It speaks the same
// offset/live/cursor protocol the remote store uses, plus the resume
// header that reports whether a generation is still active.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
	ActorID string
}

// HeaderActiveGeneration is set by the server when the session has a
// generation still streaming at read time.
const HeaderActiveGeneration = "Stream-Active-Generation"

func (s HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (s HTTPSource) Read(ctx context.Context, sessionID, fromOffset string, mode store.ReadMode, opts store.ReadOptions) (sessionlog.RowBatch, error) {
	q := url.Values{}
	if fromOffset != "" {
		q.Set("offset", fromOffset)
	}
	if mode == store.ReadLongPoll {
		q.Set("live", "long-poll")
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	endpoint := fmt.Sprintf("%s/v1/stream/sessions/%s?%s", s.BaseURL, url.PathEscape(sessionID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return sessionlog.RowBatch{}, err
	}
	if s.ActorID != "" {
		req.Header.Set("X-Actor-Id", s.ActorID)
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return sessionlog.RowBatch{}, store.MarkRetryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return sessionlog.RowBatch{}, sessionlog.ErrSessionNotFound
	}

	batch := sessionlog.RowBatch{
		NextOffset: resp.Header.Get(store.HeaderNextOffset),
		Cursor:     resp.Header.Get(store.HeaderCursor),
		UpToDate:   resp.Header.Get(store.HeaderUpToDate) == "true",
	}
	if batch.NextOffset == "" {
		batch.NextOffset = fromOffset
	}

	if resp.StatusCode == http.StatusNoContent {
		batch.UpToDate = true
		return batch, nil
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("stream endpoint returned %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return sessionlog.RowBatch{}, store.MarkRetryable(err)
		}
		return sessionlog.RowBatch{}, err
	}

	var records []struct {
		Offset string          `json:"offset"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return sessionlog.RowBatch{}, fmt.Errorf("malformed stream response: %w", err)
	}
	for _, rec := range records {
		row, err := chunk.DecodeRow(rec.Data, rec.Offset)
		if err != nil {
			continue
		}
		row.SessionID = sessionID
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}
