// Package subscriber materializes one session for one consumer: it catches
// up from a saved offset, tails the live log, feeds every row through the
// projection, and keeps its resume position durable.
package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatlog/relay/internal/logger"
	"github.com/chatlog/relay/internal/projection"
	"github.com/chatlog/relay/internal/store"
)

// Status is the subscriber's connection state, surfaced so UIs can show
// catch-up progress and degraded connectivity.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusCatchingUp   Status = "catching-up"
	StatusLive         Status = "live"
	StatusRetrying     Status = "retrying"
	StatusDisconnected Status = "disconnected"
)

// Options tunes the sync loop.
type Options struct {
	LongPollWait time.Duration // server-side wait per live request
	RetryBase    time.Duration
	RetryMax     time.Duration
	MaxRetries   int // consecutive failures before giving up

	// OnStatus, when set, observes every status transition.
	OnStatus func(Status)
}

func (o *Options) defaults() {
	if o.LongPollWait <= 0 {
		o.LongPollWait = 20 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
}

// Syncer drives one session subscription.
type Syncer struct {
	sessionID  string
	source     Source
	offsets    OffsetStore
	projection *projection.Projection
	logger     *logger.Logger
	options    Options

	status Status
}

// New builds a syncer for sessionID. The projection may be shared with
// other readers; its dedup makes overlapping delivery safe.
func New(sessionID string, src Source, offsets OffsetStore, proj *projection.Projection, lg *logger.Logger, opts Options) *Syncer {
	opts.defaults()
	return &Syncer{
		sessionID:  sessionID,
		source:     src,
		offsets:    offsets,
		projection: proj,
		logger:     lg.WithComponent("subscriber"),
		options:    opts,
		status:     StatusConnecting,
	}
}

// Projection exposes the views this syncer feeds.
func (s *Syncer) Projection() *projection.Projection {
	return s.projection
}

func (s *Syncer) setStatus(st Status) {
	if s.status == st {
		return
	}
	s.status = st
	if s.options.OnStatus != nil {
		s.options.OnStatus(st)
	}
}

// Run syncs until the context is cancelled or retries are exhausted. It
// returns nil on cancellation; that is the normal way to stop a subscriber.
func (s *Syncer) Run(ctx context.Context) error {
	s.setStatus(StatusConnecting)

	position := s.resumePosition()
	s.logger.Info("starting sync",
		slog.String("session_id", s.sessionID),
		slog.String("offset", position.Offset))

	failures := 0
	backoff := s.options.RetryBase
	live := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		mode := store.ReadCatchup
		wait := time.Duration(0)
		if live {
			mode = store.ReadLongPoll
			wait = s.options.LongPollWait
			s.setStatus(StatusLive)
		} else {
			s.setStatus(StatusCatchingUp)
		}

		batch, err := s.source.Read(ctx, s.sessionID, position.Offset, mode, store.ReadOptions{
			Wait:   wait,
			Cursor: position.Cursor,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !store.IsRetryable(err) {
				s.setStatus(StatusDisconnected)
				return fmt.Errorf("sync failed: %w", err)
			}
			failures++
			if failures > s.options.MaxRetries {
				s.setStatus(StatusDisconnected)
				return fmt.Errorf("sync gave up after %d attempts: %w", failures, err)
			}
			s.setStatus(StatusRetrying)
			s.logger.Warn("sync read failed, backing off",
				slog.String("session_id", s.sessionID),
				slog.Int("failures", failures),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()))
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > s.options.RetryMax {
				backoff = s.options.RetryMax
			}
			continue
		}
		failures = 0
		backoff = s.options.RetryBase

		if applied := s.projection.ApplyAll(batch.Rows); applied > 0 {
			s.logger.Debug("applied rows",
				slog.String("session_id", s.sessionID),
				slog.Int("applied", applied),
				slog.String("offset", batch.NextOffset))
		}

		if batch.NextOffset != "" {
			position.Offset = batch.NextOffset
		}
		position.Cursor = batch.Cursor
		position.ActiveGeneration = len(s.projection.ActiveGenerations()) > 0
		position.SavedAt = time.Now().UTC()
		if err := s.offsets.Save(s.sessionID, position); err != nil {
			s.logger.Warn("failed to persist offset",
				slog.String("session_id", s.sessionID),
				slog.String("error", err.Error()))
		}

		if batch.UpToDate {
			live = true
		}
	}
}

// resumePosition loads the saved offset, discarding it when expired so the
// subscriber replays from the start instead of resuming into a hole.
func (s *Syncer) resumePosition() SavedOffset {
	saved, ok, err := s.offsets.Load(s.sessionID)
	if err != nil {
		s.logger.Warn("failed to load saved offset",
			slog.String("session_id", s.sessionID),
			slog.String("error", err.Error()))
		return SavedOffset{}
	}
	if !ok {
		return SavedOffset{}
	}
	if saved.Expired(time.Now()) {
		s.logger.Info("saved offset expired, replaying from start",
			slog.String("session_id", s.sessionID),
			slog.String("offset", saved.Offset))
		return SavedOffset{}
	}
	return saved
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
