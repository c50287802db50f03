package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Wire headers of the remote log protocol. The server side of the same
// protocol lives in the HTTP API package; the two must stay in sync.
const (
	HeaderNextOffset = "Stream-Next-Offset"
	HeaderCursor     = "Stream-Cursor"
	HeaderUpToDate   = "Stream-Up-To-Date"
)

// RemoteStore speaks the offset/live/cursor read protocol against an
// external offset-addressable stream service. It lets a deployment delegate
// durability to a dedicated sync layer instead of the bundled Postgres
// store.
type RemoteStore struct {
	baseURL string
	client  *http.Client
}

// remoteRecord is the wire shape of one record in a read response.
type remoteRecord struct {
	Offset string          `json:"offset"`
	Data   json.RawMessage `json:"data"`
}

// NewRemoteStore creates a client for the service at baseURL.
func NewRemoteStore(baseURL string, client *http.Client) *RemoteStore {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &RemoteStore{baseURL: baseURL, client: client}
}

func (s *RemoteStore) logURL(key string) string {
	return fmt.Sprintf("%s/v1/logs/%s", s.baseURL, url.PathEscape(key))
}

func (s *RemoteStore) Create(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.logURL(key), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return MarkRetryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return s.statusError(resp)
	}
	return nil
}

func (s *RemoteStore) Append(ctx context.Context, key string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.logURL(key), bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", MarkRetryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrLogNotFound
	}
	if resp.StatusCode >= 300 {
		return "", s.statusError(resp)
	}

	var out struct {
		Offset string `json:"offset"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("malformed append response: %w", err)
	}
	return out.Offset, nil
}

func (s *RemoteStore) Read(ctx context.Context, key string, fromOffset string, mode ReadMode, opts ReadOptions) (Batch, error) {
	q := url.Values{}
	if fromOffset != "" {
		q.Set("offset", fromOffset)
	}
	switch mode {
	case ReadLongPoll:
		q.Set("live", "long-poll")
	case ReadSSE:
		q.Set("live", "sse")
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.logURL(key)+"?"+q.Encode(), nil)
	if err != nil {
		return Batch{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Batch{}, MarkRetryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Batch{}, ErrLogNotFound
	}

	batch := Batch{
		NextOffset: resp.Header.Get(HeaderNextOffset),
		Cursor:     resp.Header.Get(HeaderCursor),
		UpToDate:   resp.Header.Get(HeaderUpToDate) == "true",
	}
	if batch.NextOffset == "" {
		batch.NextOffset = fromOffset
	}

	// 204 is the long-poll timeout: no new data, cursor still advances.
	if resp.StatusCode == http.StatusNoContent {
		batch.UpToDate = true
		return batch, nil
	}
	if resp.StatusCode >= 300 {
		return Batch{}, s.statusError(resp)
	}

	var records []remoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return Batch{}, fmt.Errorf("malformed read response: %w", err)
	}
	for _, r := range records {
		batch.Records = append(batch.Records, Record{Offset: r.Offset, Data: []byte(r.Data)})
	}
	return batch, nil
}

func (s *RemoteStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.logURL(key), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return MarkRetryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrLogNotFound
	}
	if resp.StatusCode >= 300 {
		return s.statusError(resp)
	}
	return nil
}

// statusError converts an unexpected HTTP status into an error, marking
// server-side failures as transient.
func (s *RemoteStore) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("remote store returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	if resp.StatusCode >= 500 {
		return MarkRetryable(err)
	}
	return err
}
