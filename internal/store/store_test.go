package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetFormatting(t *testing.T) {
	assert.Equal(t, "00000000000000000001", FormatOffset(1))
	assert.Equal(t, "00000000000000001000", FormatOffset(1000))

	// Padded offsets compare correctly as strings.
	assert.Less(t, FormatOffset(9), FormatOffset(10))
	assert.Less(t, FormatOffset(999), FormatOffset(1000))
}

func TestParseOffset(t *testing.T) {
	n, err := ParseOffset("00000000000000000042")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = ParseOffset("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = ParseOffset("not-an-offset")
	assert.Error(t, err)
}

func TestRetryableMarking(t *testing.T) {
	base := errors.New("connection reset")
	marked := MarkRetryable(base)

	assert.True(t, IsRetryable(marked))
	assert.False(t, IsRetryable(base))
	assert.False(t, IsRetryable(nil))

	// The original error stays reachable through the wrapper.
	assert.ErrorIs(t, marked, base)
}
