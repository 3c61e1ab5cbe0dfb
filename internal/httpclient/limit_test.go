package httpclient

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAllCapped_ExactlyAtCapIsReturnedWholeUntruncated(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 10)
	out, truncated, err := ReadAllCapped(bytes.NewReader(data), 10)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Len(t, out, 10)
}

func TestReadAllCapped_OneByteOverCapIsTruncated(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 11)
	out, truncated, err := ReadAllCapped(bytes.NewReader(data), 10)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, out, 10)
}

func TestReadAllCapped_UnderCapIsUnaffected(t *testing.T) {
	data := []byte("short")
	out, truncated, err := ReadAllCapped(bytes.NewReader(data), 100)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, data, out)
}

func TestAppendTruncationMarker_AppendsMarker(t *testing.T) {
	out := AppendTruncationMarker([]byte("data"))
	assert.Contains(t, string(out), "data")
	assert.Contains(t, string(out), "truncated")
}
