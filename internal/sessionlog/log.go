// Package sessionlog presents one logical session stream on top of the
// store: twin logs per session (data and control), per-message sequence
// allocation, and guaranteed terminal markers.
package sessionlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chatlog/relay/internal/chunk"
	"github.com/chatlog/relay/internal/logger"
	"github.com/chatlog/relay/internal/store"
)

// Kind selects one of a session's twin logs.
type Kind string

const (
	// KindData carries the chunk rows subscribers project from.
	KindData Kind = "data"

	// KindControl carries session metadata events (agent registrations)
	// so subscribers can observe them without a side channel.
	KindControl Kind = "control"
)

// Key returns the store key for one of a session's logs.
func Key(sessionID string, kind Kind) string {
	return fmt.Sprintf("session:%s:%s", sessionID, kind)
}

// ErrSessionNotFound is returned when a session's logs do not exist.
var ErrSessionNotFound = errors.New("session not found")

// Log multiplexes session streams over the store. All writes to one session
// are serialized through that session's actor; seq counters for in-flight
// messages live in the actor, never in the log itself.
type Log struct {
	store  store.Store
	logger *logger.Logger

	mu     sync.Mutex
	actors map[string]*sessionActor
}

// sessionActor owns the mutable write-side state of one session.
type sessionActor struct {
	mu   sync.Mutex
	seqs map[string]int // messageID -> next seq to hand out
}

// New creates a session log over the given store.
func New(st store.Store, log *logger.Logger) *Log {
	return &Log{
		store:  st,
		logger: log.WithComponent("sessionlog"),
		actors: make(map[string]*sessionActor),
	}
}

// actor returns the session's actor, creating it lazily.
func (l *Log) actor(sessionID string) *sessionActor {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.actors[sessionID]
	if !ok {
		a = &sessionActor{seqs: make(map[string]int)}
		l.actors[sessionID] = a
	}
	return a
}

// Open creates both logs for a session. Opening an existing session is a
// no-op, matching the store's create contract.
func (l *Log) Open(ctx context.Context, sessionID string) error {
	if err := l.store.Create(ctx, Key(sessionID, KindData)); err != nil {
		return fmt.Errorf("failed to create data log: %w", err)
	}
	if err := l.store.Create(ctx, Key(sessionID, KindControl)); err != nil {
		return fmt.Errorf("failed to create control log: %w", err)
	}
	return nil
}

// Exists reports whether the session's data log is present.
func (l *Log) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := l.store.Read(ctx, Key(sessionID, KindData), "", store.ReadCatchup, store.ReadOptions{Limit: 1})
	if errors.Is(err, store.ErrLogNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NextSeq hands out the next sequence number for a message. The first call
// for an unknown message rebuilds the counter from the log tail, which is
// how a crashed producer recovers without gaps or duplicates.
func (l *Log) NextSeq(ctx context.Context, sessionID, messageID string) (int, error) {
	a := l.actor(sessionID)
	a.mu.Lock()
	defer a.mu.Unlock()

	next, ok := a.seqs[messageID]
	if !ok {
		recovered, err := l.recoverSeq(ctx, sessionID, messageID)
		if err != nil {
			return 0, err
		}
		next = recovered
	}
	a.seqs[messageID] = next + 1
	return next, nil
}

// recoverSeq scans the data log for the highest seq already appended for
// messageID and returns the next free one.
func (l *Log) recoverSeq(ctx context.Context, sessionID, messageID string) (int, error) {
	next := 0
	from := ""
	for {
		batch, err := l.store.Read(ctx, Key(sessionID, KindData), from, store.ReadCatchup, store.ReadOptions{})
		if err != nil {
			return 0, fmt.Errorf("failed to rebuild seq counter: %w", err)
		}
		for _, rec := range batch.Records {
			row, err := chunk.DecodeRow(rec.Data, rec.Offset)
			if err != nil {
				continue
			}
			if row.MessageID == messageID && row.Seq >= next {
				next = row.Seq + 1
			}
		}
		if batch.UpToDate || len(batch.Records) == 0 {
			return next, nil
		}
		from = batch.NextOffset
	}
}

// Append writes a row to the session's data log with the seq it already
// carries. Used for single-chunk messages (whole-message, tool-result,
// approval-response) whose seq is zero by contract.
func (l *Log) Append(ctx context.Context, sessionID string, row chunk.Row) (string, error) {
	row.SessionID = sessionID
	data, err := row.Encode()
	if err != nil {
		return "", err
	}

	offset, err := l.store.Append(ctx, Key(sessionID, KindData), data)
	if errors.Is(err, store.ErrLogNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}

	l.logger.Debug("appended chunk",
		slog.String("session_id", sessionID),
		slog.String("message_id", row.MessageID),
		slog.Int("seq", row.Seq),
		slog.String("offset", offset))
	return offset, nil
}

// AppendNext allocates the next seq for the message and appends the payload
// under it.
func (l *Log) AppendNext(ctx context.Context, sessionID, messageID, actorID string, role chunk.Role, p chunk.Payload) (string, error) {
	seq, err := l.NextSeq(ctx, sessionID, messageID)
	if err != nil {
		return "", err
	}
	row, err := chunk.NewRow(messageID, actorID, role, seq, p)
	if err != nil {
		return "", err
	}
	return l.Append(ctx, sessionID, row)
}

// Terminal appends a terminal payload for the message and releases its seq
// counter. Exactly one terminal closes every generation; callers own that
// invariant, this method just refuses non-terminal payloads.
func (l *Log) Terminal(ctx context.Context, sessionID, messageID, actorID string, p chunk.Payload) (string, error) {
	if !p.Type.Terminal() {
		return "", fmt.Errorf("payload type %q is not terminal", p.Type)
	}

	offset, err := l.AppendNext(ctx, sessionID, messageID, actorID, chunk.RoleAssistant, p)
	if err != nil {
		return "", err
	}

	a := l.actor(sessionID)
	a.mu.Lock()
	delete(a.seqs, messageID)
	a.mu.Unlock()

	l.logger.Info("generation closed",
		slog.String("session_id", sessionID),
		slog.String("message_id", messageID),
		slog.String("terminal", string(p.Type)),
		slog.String("offset", offset))
	return offset, nil
}

// AppendControl writes an event to the session's control log.
func (l *Log) AppendControl(ctx context.Context, sessionID string, data []byte) (string, error) {
	offset, err := l.store.Append(ctx, Key(sessionID, KindControl), data)
	if errors.Is(err, store.ErrLogNotFound) {
		return "", ErrSessionNotFound
	}
	return offset, err
}

// ReadRaw returns undecoded records from one of the session's logs. The
// control log carries event JSON rather than chunk rows, so its readers
// decode for themselves.
func (l *Log) ReadRaw(ctx context.Context, sessionID string, kind Kind, fromOffset string, mode store.ReadMode, opts store.ReadOptions) (store.Batch, error) {
	batch, err := l.store.Read(ctx, Key(sessionID, kind), fromOffset, mode, opts)
	if errors.Is(err, store.ErrLogNotFound) {
		return store.Batch{}, ErrSessionNotFound
	}
	return batch, err
}

// RowBatch is a decoded read result.
type RowBatch struct {
	Rows       []chunk.Row
	NextOffset string
	Cursor     string
	UpToDate   bool
}

// Read returns decoded rows from one of the session's logs.
func (l *Log) Read(ctx context.Context, sessionID string, kind Kind, fromOffset string, mode store.ReadMode, opts store.ReadOptions) (RowBatch, error) {
	batch, err := l.store.Read(ctx, Key(sessionID, kind), fromOffset, mode, opts)
	if errors.Is(err, store.ErrLogNotFound) {
		return RowBatch{}, ErrSessionNotFound
	}
	if err != nil {
		return RowBatch{}, err
	}

	out := RowBatch{
		NextOffset: batch.NextOffset,
		Cursor:     batch.Cursor,
		UpToDate:   batch.UpToDate,
	}
	for _, rec := range batch.Records {
		row, err := chunk.DecodeRow(rec.Data, rec.Offset)
		if err != nil {
			l.logger.Warn("skipping undecodable log row",
				slog.String("session_id", sessionID),
				slog.String("offset", rec.Offset),
				slog.String("error", err.Error()))
			continue
		}
		row.SessionID = sessionID
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// ReadAll drains the data log from the start. Used by fork, history
// materialization and the projection-backed handlers.
func (l *Log) ReadAll(ctx context.Context, sessionID string) ([]chunk.Row, error) {
	var rows []chunk.Row
	from := ""
	for {
		batch, err := l.Read(ctx, sessionID, KindData, from, store.ReadCatchup, store.ReadOptions{})
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch.Rows...)
		if batch.UpToDate || batch.NextOffset == from {
			return rows, nil
		}
		from = batch.NextOffset
	}
}

// CopyPrefix copies src's data log into dst, stopping after the last chunk
// of atMessageID (everything when atMessageID is empty). Row bytes are
// preserved verbatim so seqs and timestamps survive the fork; offsets are
// newly assigned in the destination log. Returns the last copied source
// offset.
func (l *Log) CopyPrefix(ctx context.Context, src, dst, atMessageID string) (string, error) {
	rows, err := l.ReadAll(ctx, src)
	if err != nil {
		return "", err
	}

	// Find the cut point: the offset of atMessageID's last chunk.
	cut := ""
	if atMessageID != "" {
		for _, row := range rows {
			if row.MessageID == atMessageID {
				cut = row.Offset
			}
		}
		if cut == "" {
			return "", fmt.Errorf("message %s not found in session %s", atMessageID, src)
		}
	}

	last := ""
	for _, row := range rows {
		if cut != "" && row.Offset > cut {
			break
		}
		if _, err := l.Append(ctx, dst, row); err != nil {
			return "", fmt.Errorf("failed to copy chunk %s: %w", row.Key(), err)
		}
		last = row.Offset
	}
	return last, nil
}

// Delete removes both logs and the session's actor state.
func (l *Log) Delete(ctx context.Context, sessionID string) error {
	if err := l.store.Delete(ctx, Key(sessionID, KindData)); err != nil && !errors.Is(err, store.ErrLogNotFound) {
		return err
	}
	if err := l.store.Delete(ctx, Key(sessionID, KindControl)); err != nil && !errors.Is(err, store.ErrLogNotFound) {
		return err
	}

	l.mu.Lock()
	delete(l.actors, sessionID)
	l.mu.Unlock()
	return nil
}
