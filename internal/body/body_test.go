package body

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmallKnownLengthIsRepeatable(t *testing.T) {
	payload := "hello-body"
	b, err := New(bufio.NewReader(strings.NewReader(payload)), int64(len(payload)))
	require.NoError(t, err)
	assert.True(t, b.Repeatable())

	var out1, out2 bytes.Buffer
	n1, err := b.WriteTo(&out1)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n1)

	n2, err := b.WriteTo(&out2)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n2)
	assert.Equal(t, out1.String(), out2.String())
	assert.Equal(t, payload, out1.String())
}

func TestUnknownLengthFullyDrainedIsRepeatable(t *testing.T) {
	payload := "short"
	b, err := New(bufio.NewReader(strings.NewReader(payload)), -1)
	require.NoError(t, err)
	assert.True(t, b.Repeatable())

	var out bytes.Buffer
	_, err = b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, payload, out.String())
}

func TestUnknownLengthWithMoreDataIsNotRepeatable(t *testing.T) {
	payload := strings.Repeat("a", MaxBuffered+10)
	b, err := New(bufio.NewReader(strings.NewReader(payload)), -1)
	require.NoError(t, err)
	assert.False(t, b.Repeatable())

	var out bytes.Buffer
	n, err := b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, out.String())

	// A second WriteTo on a non-repeatable body must fail, not silently
	// emit a truncated/duplicate stream.
	var out2 bytes.Buffer
	_, err = b.WriteTo(&out2)
	assert.Error(t, err)
}

func TestLargeContentLengthIsNotPreBuffered(t *testing.T) {
	length := int64(MaxBuffered + 1)
	payload := strings.Repeat("b", int(length))
	b, err := New(bufio.NewReader(strings.NewReader(payload)), length)
	require.NoError(t, err)
	assert.False(t, b.Repeatable())
	assert.Equal(t, length, b.ContentLength())

	var out bytes.Buffer
	n, err := b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, length, n)
	assert.Equal(t, payload, out.String())
}
