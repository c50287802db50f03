package sessionlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlog/relay/internal/chunk"
	"github.com/chatlog/relay/internal/logger"
	"github.com/chatlog/relay/internal/store"
)

func newTestLog() *Log {
	return New(store.NewMemoryStore(), logger.New(logger.FromConfig("error", "text")))
}

func TestOpenAndExists(t *testing.T) {
	ctx := context.Background()
	l := newTestLog()

	exists, err := l.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, l.Open(ctx, "s1"))
	exists, err = l.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Reopening is a no-op.
	require.NoError(t, l.Open(ctx, "s1"))
}

func TestAppendAndRead(t *testing.T) {
	ctx := context.Background()
	l := newTestLog()
	require.NoError(t, l.Open(ctx, "s1"))

	row, err := chunk.NewRow("m1", "user-1", chunk.RoleUser, 0, chunk.Payload{
		Type:    chunk.TypeWholeMessage,
		Message: &chunk.EmbeddedMessage{ID: "m1", Role: chunk.RoleUser, Parts: []chunk.MessagePart{{Type: "text", Content: "hi"}}},
	})
	require.NoError(t, err)

	offset, err := l.Append(ctx, "s1", row)
	require.NoError(t, err)
	assert.NotEmpty(t, offset)

	batch, err := l.Read(ctx, "s1", KindData, "", store.ReadCatchup, store.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, "m1", batch.Rows[0].MessageID)
	assert.Equal(t, "s1", batch.Rows[0].SessionID)
	assert.Equal(t, offset, batch.Rows[0].Offset)
}

func TestNextSeqAllocation(t *testing.T) {
	ctx := context.Background()
	l := newTestLog()
	require.NoError(t, l.Open(ctx, "s1"))

	for want := 0; want < 3; want++ {
		seq, err := l.NextSeq(ctx, "s1", "m1")
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	// An unrelated message starts at zero.
	seq, err := l.NextSeq(ctx, "s1", "m2")
	require.NoError(t, err)
	assert.Equal(t, 0, seq)
}

func TestSeqRecoveryFromLog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	lg := logger.New(logger.FromConfig("error", "text"))

	l1 := New(st, lg)
	require.NoError(t, l1.Open(ctx, "s1"))
	for i := 0; i < 3; i++ {
		_, err := l1.AppendNext(ctx, "s1", "m1", "agent-1", chunk.RoleAssistant, chunk.Payload{Type: chunk.TypeTextDelta, Text: "x"})
		require.NoError(t, err)
	}

	// A fresh instance over the same store picks up where the log ends.
	l2 := New(st, lg)
	seq, err := l2.NextSeq(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, seq)
}

func TestTerminal(t *testing.T) {
	ctx := context.Background()
	l := newTestLog()
	require.NoError(t, l.Open(ctx, "s1"))

	_, err := l.AppendNext(ctx, "s1", "m1", "agent-1", chunk.RoleAssistant, chunk.Payload{Type: chunk.TypeTextDelta, Text: "hello"})
	require.NoError(t, err)

	_, err = l.Terminal(ctx, "s1", "m1", "agent-1", chunk.Payload{Type: chunk.TypeTextDelta})
	assert.Error(t, err, "non-terminal payloads must be refused")

	_, err = l.Terminal(ctx, "s1", "m1", "agent-1", chunk.Payload{Type: chunk.TypeDone, FinishReason: "stop"})
	require.NoError(t, err)

	batch, err := l.Read(ctx, "s1", KindData, "", store.ReadCatchup, store.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Rows, 2)

	last := batch.Rows[1]
	assert.Equal(t, 1, last.Seq)
	payload, err := last.Payload()
	require.NoError(t, err)
	assert.Equal(t, chunk.TypeDone, payload.Type)
}

func TestCopyPrefix(t *testing.T) {
	ctx := context.Background()
	l := newTestLog()
	require.NoError(t, l.Open(ctx, "src"))
	require.NoError(t, l.Open(ctx, "dst"))

	appendText := func(messageID string, seq int, text string) {
		t.Helper()
		row, err := chunk.NewRow(messageID, "agent-1", chunk.RoleAssistant, seq, chunk.Payload{Type: chunk.TypeTextDelta, Text: text})
		require.NoError(t, err)
		_, err = l.Append(ctx, "src", row)
		require.NoError(t, err)
	}
	appendText("m1", 0, "first")
	appendText("m2", 0, "second")
	appendText("m2", 1, "more")
	appendText("m3", 0, "third")

	_, err := l.CopyPrefix(ctx, "src", "dst", "m2")
	require.NoError(t, err)

	rows, err := l.ReadAll(ctx, "dst")
	require.NoError(t, err)
	require.Len(t, rows, 3, "copy stops after the last chunk of the cut message")
	assert.Equal(t, "m1", rows[0].MessageID)
	assert.Equal(t, "m2", rows[1].MessageID)
	assert.Equal(t, "m2", rows[2].MessageID)
	assert.Equal(t, 1, rows[2].Seq, "seqs survive the copy")
}

func TestCopyPrefixUnknownMessage(t *testing.T) {
	ctx := context.Background()
	l := newTestLog()
	require.NoError(t, l.Open(ctx, "src"))
	require.NoError(t, l.Open(ctx, "dst"))

	_, err := l.CopyPrefix(ctx, "src", "dst", "missing")
	assert.Error(t, err)
}

func TestControlLog(t *testing.T) {
	ctx := context.Background()
	l := newTestLog()
	require.NoError(t, l.Open(ctx, "s1"))

	_, err := l.AppendControl(ctx, "s1", []byte(`{"type":"agent-registered"}`))
	require.NoError(t, err)

	batch, err := l.ReadRaw(ctx, "s1", KindControl, "", store.ReadCatchup, store.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.JSONEq(t, `{"type":"agent-registered"}`, string(batch.Records[0].Data))
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	l := newTestLog()
	require.NoError(t, l.Open(ctx, "s1"))
	require.NoError(t, l.Delete(ctx, "s1"))

	exists, err := l.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, exists)

	row, err := chunk.NewRow("m1", "u", chunk.RoleUser, 0, chunk.Payload{Type: chunk.TypeTextDelta, Text: "x"})
	require.NoError(t, err)
	_, err = l.Append(ctx, "s1", row)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
