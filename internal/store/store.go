// Package store defines the offset-addressable log storage the session
// backbone is built on: append-only logs keyed by string, dense comparable
// offsets, catch-up reads and live tailing.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ReadMode selects how a read behaves once caught up.
type ReadMode int

const (
	// ReadCatchup returns immediately with whatever is available.
	ReadCatchup ReadMode = iota

	// ReadLongPoll waits up to ReadOptions.Wait for new records once the
	// log is drained, then returns (possibly empty, UpToDate=true).
	ReadLongPoll

	// ReadSSE is long-poll at the store level; the HTTP layer turns the
	// repeated reads into a server-sent event stream.
	ReadSSE
)

// Record is one stored log entry.
type Record struct {
	Offset string
	Data   []byte
}

// Batch is the result of one read.
type Batch struct {
	Records []Record

	// NextOffset is the offset to request next. It advances even when the
	// batch is empty (long-poll timeout) so resume cursors never regress.
	NextOffset string

	// Cursor is an opaque collapsing token echoed between reads.
	Cursor string

	// UpToDate is set once the catch-up phase has drained the log.
	UpToDate bool
}

// ReadOptions tunes a single read.
type ReadOptions struct {
	// Wait bounds how long a live read blocks for new data.
	Wait time.Duration

	// Limit caps the records returned in one batch. Zero means the
	// implementation default.
	Limit int

	// Cursor is the token from the previous batch, if any.
	Cursor string
}

// Store is the capability contract the core depends on. Implementations must
// guarantee: append ordering equals read ordering, offsets strictly increase
// in append order, and reads survive writer crashes.
type Store interface {
	// Create opens a log. Creating an existing log is a no-op.
	Create(ctx context.Context, key string) error

	// Append atomically appends one record and returns its offset.
	Append(ctx context.Context, key string, data []byte) (string, error)

	// Read returns records after fromOffset. An empty fromOffset reads
	// from the start.
	Read(ctx context.Context, key string, fromOffset string, mode ReadMode, opts ReadOptions) (Batch, error)

	// Delete removes the log and all its data.
	Delete(ctx context.Context, key string) error
}

// ErrLogNotFound is returned for operations on a log that was never created
// or has been deleted.
var ErrLogNotFound = errors.New("log not found")

// retryableError marks a transient failure the caller should retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return "retryable: " + e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkRetryable wraps err as transient.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked transient.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// offsetWidth gives zero-padded decimal offsets so lexicographic order
// matches numeric order. 20 digits covers the full int64 range.
const offsetWidth = 20

// FormatOffset renders a store sequence number as an opaque offset string.
func FormatOffset(n int64) string {
	return fmt.Sprintf("%0*d", offsetWidth, n)
}

// ParseOffset parses an offset back into a sequence number. The empty
// offset means "from the start" and parses to zero.
func ParseOffset(offset string) (int64, error) {
	if offset == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(offset, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed offset %q: %w", offset, err)
	}
	return n, nil
}
