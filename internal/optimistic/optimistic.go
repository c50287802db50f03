// Package optimistic lets a client render its own writes immediately: a
// staged row shows up in the merged view at once, gets confirmed when the
// same (messageId, seq) arrives through the sync loop, and is rolled back
// if the server call fails or confirmation never comes.
package optimistic

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chatlog/relay/internal/chunk"
	"github.com/chatlog/relay/internal/logger"
	"github.com/chatlog/relay/internal/projection"
)

// ErrConfirmTimeout means the server accepted the write but the synced row
// never came back in time. The staged row is rolled back; the write may
// still exist server-side, and the next full sync resolves the truth.
var ErrConfirmTimeout = errors.New("timed out waiting for write confirmation")

const defaultConfirmTimeout = 30 * time.Second

// SendFunc performs the server mutation for a staged row and returns the
// assigned offset.
type SendFunc func(ctx context.Context) (offset string, err error)

// Manager stages writes over a synced projection.
type Manager struct {
	projection *projection.Projection
	logger     *logger.Logger
	timeout    time.Duration

	mu      sync.Mutex
	pending map[chunk.Key]chunk.Row
	order   []chunk.Key
}

// New creates a manager over the projection the subscriber feeds.
func New(proj *projection.Projection, lg *logger.Logger, confirmTimeout time.Duration) *Manager {
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	return &Manager{
		projection: proj,
		logger:     lg.WithComponent("optimistic"),
		timeout:    confirmTimeout,
		pending:    make(map[chunk.Key]chunk.Row),
	}
}

// Send stages row, performs the mutation, and blocks until the row comes
// back through sync or the confirmation window closes. On any failure the
// staged row is removed so the view rolls back to server truth.
func (m *Manager) Send(ctx context.Context, row chunk.Row, send SendFunc) error {
	key := row.Key()
	m.stage(key, row)

	offset, err := send(ctx)
	if err != nil {
		m.rollback(key)
		m.logger.Warn("optimistic write rejected",
			slog.String("message_id", key.MessageID),
			slog.Int("seq", key.Seq),
			slog.String("error", err.Error()))
		return err
	}

	if err := m.await(ctx, key); err != nil {
		m.rollback(key)
		return err
	}

	m.confirm(key)
	m.logger.Debug("optimistic write confirmed",
		slog.String("message_id", key.MessageID),
		slog.String("offset", offset))
	return nil
}

func (m *Manager) stage(key chunk.Key, row chunk.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[key]; !ok {
		m.order = append(m.order, key)
	}
	m.pending[key] = row
}

func (m *Manager) rollback(key chunk.Key) {
	m.remove(key)
}

func (m *Manager) confirm(key chunk.Key) {
	m.remove(key)
}

func (m *Manager) remove(key chunk.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[key]; !ok {
		return
	}
	delete(m.pending, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// await blocks until the projection has applied the key.
func (m *Manager) await(ctx context.Context, key chunk.Key) error {
	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()

	for {
		if m.projection.Has(key) {
			return nil
		}
		updated := m.projection.Updated()
		// Check again after arming: the row may have landed in between.
		if m.projection.Has(key) {
			return nil
		}
		select {
		case <-updated:
		case <-deadline.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending returns the staged rows in staging order.
func (m *Manager) Pending() []chunk.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chunk.Row, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.pending[key])
	}
	return out
}

// Messages returns the synced conversation with staged rows overlaid at
// the end. A staged row whose key has since synced is suppressed, the
// projection's dedup already owns it.
func (m *Manager) Messages() []projection.Message {
	base := m.projection.Messages()
	inBase := make(map[string]bool, len(base))
	for _, msg := range base {
		inBase[msg.ID] = true
	}

	for _, row := range m.Pending() {
		if inBase[row.MessageID] || m.projection.Has(row.Key()) {
			continue
		}
		if msg, ok := materialize(row); ok {
			base = append(base, msg)
			inBase[row.MessageID] = true
		}
	}
	return base
}

// materialize renders a staged whole-message row the way the projection
// would once it syncs.
func materialize(row chunk.Row) (projection.Message, bool) {
	payload, err := row.Payload()
	if err != nil || payload.Type != chunk.TypeWholeMessage || payload.Message == nil {
		return projection.Message{}, false
	}
	return projection.Message{
		ID:        row.MessageID,
		ActorID:   row.ActorID,
		Role:      row.Role,
		Parts:     append([]chunk.MessagePart(nil), payload.Message.Parts...),
		Status:    projection.StatusComplete,
		CreatedAt: row.CreatedAt,
	}, true
}
