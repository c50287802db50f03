package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlog/relay/internal/chunk"
	"github.com/chatlog/relay/internal/logger"
	"github.com/chatlog/relay/internal/projection"
	"github.com/chatlog/relay/internal/sessionlog"
	"github.com/chatlog/relay/internal/store"
)

func testLogger() *logger.Logger {
	return logger.New(logger.FromConfig("error", "text"))
}

func appendDelta(t *testing.T, log *sessionlog.Log, sessionID, messageID string, seq int, text string) {
	t.Helper()
	row, err := chunk.NewRow(messageID, "agent-1", chunk.RoleAssistant, seq, chunk.Payload{Type: chunk.TypeTextDelta, Text: text})
	require.NoError(t, err)
	_, err = log.Append(context.Background(), sessionID, row)
	require.NoError(t, err)
}

func appendTerminal(t *testing.T, log *sessionlog.Log, sessionID, messageID string, seq int) {
	t.Helper()
	row, err := chunk.NewRow(messageID, "agent-1", chunk.RoleAssistant, seq, chunk.Payload{Type: chunk.TypeDone, FinishReason: "stop"})
	require.NoError(t, err)
	_, err = log.Append(context.Background(), sessionID, row)
	require.NoError(t, err)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSyncerCatchUpThenLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := sessionlog.New(store.NewMemoryStore(), testLogger())
	require.NoError(t, log.Open(ctx, "s1"))
	appendDelta(t, log, "s1", "m1", 0, "Hel")
	appendDelta(t, log, "s1", "m1", 1, "lo")

	var mu sync.Mutex
	var statuses []Status

	proj := projection.New()
	syncer := New("s1", LogSource{Log: log}, NewMemoryOffsets(), proj, testLogger(), Options{
		LongPollWait: 200 * time.Millisecond,
		OnStatus: func(st Status) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		},
	})

	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	// Catch-up delivers the backlog.
	waitFor(t, 2*time.Second, func() bool {
		msgs := proj.Messages()
		return len(msgs) == 1 && msgs[0].Text() == "Hello"
	})

	// Live tail picks up new chunks.
	appendTerminal(t, log, "s1", "m1", 2)
	waitFor(t, 2*time.Second, func() bool {
		m, ok := proj.Message("m1")
		return ok && m.Status == projection.StatusComplete
	})

	cancel()
	require.NoError(t, <-done, "cancellation is a clean stop")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, StatusCatchingUp)
	assert.Contains(t, statuses, StatusLive)
}

func TestSyncerPersistsOffsets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := sessionlog.New(store.NewMemoryStore(), testLogger())
	require.NoError(t, log.Open(ctx, "s1"))
	appendDelta(t, log, "s1", "m1", 0, "x")
	appendTerminal(t, log, "s1", "m1", 1)

	offsets := NewMemoryOffsets()
	proj := projection.New()
	syncer := New("s1", LogSource{Log: log}, offsets, proj, testLogger(), Options{
		LongPollWait: 100 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		saved, ok, _ := offsets.Load("s1")
		return ok && saved.Offset != ""
	})
	cancel()
	<-done

	saved, ok, err := offsets.Load("s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, proj.Offset(), saved.Offset)
	assert.False(t, saved.ActiveGeneration, "generation closed, long TTL applies")
}

func TestSyncerResumeSkipsReplayed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := sessionlog.New(store.NewMemoryStore(), testLogger())
	require.NoError(t, log.Open(ctx, "s1"))
	appendDelta(t, log, "s1", "m1", 0, "once")
	appendTerminal(t, log, "s1", "m1", 1)

	offsets := NewMemoryOffsets()
	proj := projection.New()

	// First pass reads everything.
	first := New("s1", LogSource{Log: log}, offsets, proj, testLogger(), Options{LongPollWait: 50 * time.Millisecond})
	runCtx, stop := context.WithTimeout(ctx, 300*time.Millisecond)
	_ = first.Run(runCtx)
	stop()
	require.Equal(t, "once", proj.Messages()[0].Text())

	// Second pass resumes from the saved offset into the same projection;
	// even a full replay would be deduplicated, but the offset avoids it.
	second := New("s1", LogSource{Log: log}, offsets, proj, testLogger(), Options{LongPollWait: 50 * time.Millisecond})
	runCtx2, stop2 := context.WithTimeout(ctx, 300*time.Millisecond)
	_ = second.Run(runCtx2)
	stop2()

	assert.Equal(t, "once", proj.Messages()[0].Text(), "no double apply after resume")
}

// flakySource fails reads until the failure budget drains.
type flakySource struct {
	inner    Source
	mu       sync.Mutex
	failures int
	fatal    bool
}

func (f *flakySource) Read(ctx context.Context, sessionID, fromOffset string, mode store.ReadMode, opts store.ReadOptions) (sessionlog.RowBatch, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	fatal := f.fatal
	f.mu.Unlock()

	if fail {
		if fatal {
			return sessionlog.RowBatch{}, errors.New("permanent failure")
		}
		return sessionlog.RowBatch{}, store.MarkRetryable(errors.New("transient failure"))
	}
	return f.inner.Read(ctx, sessionID, fromOffset, mode, opts)
}

func TestSyncerRetriesTransientErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := sessionlog.New(store.NewMemoryStore(), testLogger())
	require.NoError(t, log.Open(ctx, "s1"))
	appendDelta(t, log, "s1", "m1", 0, "through the noise")
	appendTerminal(t, log, "s1", "m1", 1)

	src := &flakySource{inner: LogSource{Log: log}, failures: 2}
	proj := projection.New()
	syncer := New("s1", src, NewMemoryOffsets(), proj, testLogger(), Options{
		LongPollWait: 50 * time.Millisecond,
		RetryBase:    time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		msgs := proj.Messages()
		return len(msgs) == 1 && msgs[0].Text() == "through the noise"
	})
	cancel()
	require.NoError(t, <-done)
}

func TestSyncerFatalErrorDisconnects(t *testing.T) {
	log := sessionlog.New(store.NewMemoryStore(), testLogger())
	require.NoError(t, log.Open(context.Background(), "s1"))

	src := &flakySource{inner: LogSource{Log: log}, failures: 1, fatal: true}
	var last Status
	syncer := New("s1", src, NewMemoryOffsets(), projection.New(), testLogger(), Options{
		OnStatus: func(st Status) { last = st },
	})

	err := syncer.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, last)
}

func TestSyncerGivesUpAfterMaxRetries(t *testing.T) {
	log := sessionlog.New(store.NewMemoryStore(), testLogger())
	require.NoError(t, log.Open(context.Background(), "s1"))

	src := &flakySource{inner: LogSource{Log: log}, failures: 100}
	syncer := New("s1", src, NewMemoryOffsets(), projection.New(), testLogger(), Options{
		RetryBase:  time.Millisecond,
		RetryMax:   2 * time.Millisecond,
		MaxRetries: 3,
	})

	err := syncer.Run(context.Background())
	require.Error(t, err)
}
