// Package ingest drives one agent generation: it decodes the upstream SSE
// stream into chunk payloads, appends them to the session log with a single
// outstanding write, and closes the generation with exactly one terminal no
// matter how the stream ends.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/chatlog/relay/internal/chunk"
	"github.com/chatlog/relay/internal/logger"
	"github.com/chatlog/relay/internal/store"
)

// Appender is the slice of the session log the pipeline writes through.
type Appender interface {
	AppendNext(ctx context.Context, sessionID, messageID, actorID string, role chunk.Role, p chunk.Payload) (string, error)
	Terminal(ctx context.Context, sessionID, messageID, actorID string, p chunk.Payload) (string, error)
}

// Generation identifies the message a pipeline run produces.
type Generation struct {
	SessionID string
	MessageID string
	ActorID   string
}

// Options tunes retry behavior for transient store failures.
type Options struct {
	RetryBase  time.Duration // first backoff step
	RetryMax   time.Duration // backoff cap
	MaxRetries int           // attempts per chunk before giving up
}

func (o *Options) defaults() {
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 8
	}
}

// Pipeline ingests upstream streams into the session log.
type Pipeline struct {
	log     Appender
	logger  *logger.Logger
	options Options
}

// New creates a pipeline writing through log.
func New(log Appender, lg *logger.Logger, opts Options) *Pipeline {
	opts.defaults()
	return &Pipeline{
		log:     log,
		logger:  lg.WithComponent("ingest"),
		options: opts,
	}
}

// eventBuffer holds decoded payloads while an append is in flight.
// Consecutive text deltas collapse into one chunk so a slow store produces
// fewer, larger rows instead of falling behind.
const eventBuffer = 256

// Run consumes body until it ends, the context is cancelled, or the store
// fails fatally. It returns the terminal type it appended. Cancellation via
// ctx produces a stop terminal; upstream or fatal store errors produce an
// error terminal; everything else ends in done.
func (p *Pipeline) Run(ctx context.Context, gen Generation, body io.Reader) (chunk.PayloadType, error) {
	events := make(chan chunk.Payload, eventBuffer)
	decodeErr := make(chan error, 1)

	go p.decode(body, events, decodeErr)

	terminal := chunk.Payload{Type: chunk.TypeDone, FinishReason: "stop"}
	var runErr error

loop:
	for {
		select {
		case <-ctx.Done():
			terminal, runErr = p.cancelTerminal(ctx)
			break loop

		case payload, ok := <-events:
			if !ok {
				if err := <-decodeErr; err != nil && !errors.Is(err, io.EOF) {
					terminal = chunk.Payload{Type: chunk.TypeError, ErrorMessage: err.Error()}
					runErr = err
				}
				break loop
			}

			if payload.Type.Terminal() {
				// Upstream closed its own generation; carry its finish
				// metadata into our terminal.
				terminal = payload
				break loop
			}

			batch := p.drain(payload, events)
			for _, item := range batch {
				if item.Type.Terminal() {
					terminal = item
					break loop
				}
				if err := p.appendWithRetry(ctx, gen, item); err != nil {
					if ctx.Err() != nil {
						terminal, runErr = p.cancelTerminal(ctx)
					} else {
						terminal = chunk.Payload{Type: chunk.TypeError, ErrorMessage: err.Error()}
						runErr = err
					}
					break loop
				}
			}
		}
	}

	// The terminal must land even when ctx is already cancelled.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := p.log.Terminal(finCtx, gen.SessionID, gen.MessageID, gen.ActorID, terminal); err != nil {
		p.logger.Error("failed to append terminal",
			slog.String("session_id", gen.SessionID),
			slog.String("message_id", gen.MessageID),
			slog.String("terminal", string(terminal.Type)),
			slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}
	return terminal.Type, runErr
}

// decode feeds parsed payloads into events until the stream ends. Frames
// that do not parse as a known payload are skipped, not fatal.
func (p *Pipeline) decode(body io.Reader, events chan<- chunk.Payload, decodeErr chan<- error) {
	defer close(events)
	sc := NewEventScanner(body)
	for {
		data, err := sc.Next()
		if err != nil {
			decodeErr <- err
			return
		}
		payload, err := chunk.ParsePayload([]byte(data))
		if err != nil {
			p.logger.Warn("skipping unparseable event", slog.String("error", err.Error()))
			continue
		}
		events <- payload
	}
}

// drain pulls everything already buffered behind first, merging consecutive
// text deltas. The result preserves arrival order.
func (p *Pipeline) drain(first chunk.Payload, events <-chan chunk.Payload) []chunk.Payload {
	batch := []chunk.Payload{first}
	for {
		select {
		case next, ok := <-events:
			if !ok {
				return batch
			}
			if next.Type.Terminal() {
				batch = append(batch, next)
				return batch
			}
			last := &batch[len(batch)-1]
			if next.Type == chunk.TypeTextDelta && last.Type == chunk.TypeTextDelta {
				last.Text += next.Text
				continue
			}
			batch = append(batch, next)
		default:
			return batch
		}
	}
}

// appendWithRetry writes one payload, backing off on transient store errors
// and keeping the payload intact across attempts.
func (p *Pipeline) appendWithRetry(ctx context.Context, gen Generation, payload chunk.Payload) error {
	backoff := p.options.RetryBase
	var lastErr error
	for attempt := 0; attempt < p.options.MaxRetries; attempt++ {
		_, err := p.log.AppendNext(ctx, gen.SessionID, gen.MessageID, gen.ActorID, chunk.RoleAssistant, payload)
		if err == nil {
			return nil
		}
		if !store.IsRetryable(err) {
			return err
		}
		lastErr = err

		p.logger.Warn("transient append failure, retrying",
			slog.String("session_id", gen.SessionID),
			slog.String("message_id", gen.MessageID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > p.options.RetryMax {
			backoff = p.options.RetryMax
		}
	}
	return lastErr
}

// cancelTerminal maps context termination onto the right terminal chunk.
func (p *Pipeline) cancelTerminal(ctx context.Context) (chunk.Payload, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return chunk.Payload{Type: chunk.TypeError, ErrorMessage: "generation timed out"}, ctx.Err()
	}
	return chunk.Payload{Type: chunk.TypeStop, StopReason: "user"}, nil
}
