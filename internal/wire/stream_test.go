package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDecoderSingleFrameAcrossChunks(t *testing.T) {
	payload := []byte("task assign payload")
	dst := make([]byte, HeaderLen+len(payload))
	Frame(dst, TypeTaskAssign, 7, payload)

	var d StreamDecoder
	// Feed byte-by-byte to exercise arbitrary chunk boundaries.
	for i := 0; i < len(dst)-1; i++ {
		d.Feed(dst[i : i+1])
		_, _, ok, err := d.Next()
		require.NoError(t, err)
		assert.False(t, ok)
	}
	d.Feed(dst[len(dst)-1:])
	h, got, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeTaskAssign, h.Type)
	assert.Equal(t, payload, got)
}

func TestStreamDecoderMultipleFramesInOneChunk(t *testing.T) {
	p1 := []byte("one")
	p2 := []byte("two")
	buf := make([]byte, 0)
	f1 := make([]byte, HeaderLen+len(p1))
	Frame(f1, TypeTaskAssign, 1, p1)
	f2 := make([]byte, HeaderLen+len(p2))
	Frame(f2, TypeTaskReclaim, 2, p2)
	buf = append(buf, f1...)
	buf = append(buf, f2...)

	var d StreamDecoder
	d.Feed(buf)

	h1, got1, ok1, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok1)
	assert.Equal(t, TypeTaskAssign, h1.Type)
	assert.Equal(t, p1, got1)

	h2, got2, ok2, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, TypeTaskReclaim, h2.Type)
	assert.Equal(t, p2, got2)

	_, _, ok3, err := d.Next()
	require.NoError(t, err)
	assert.False(t, ok3)
}

func TestStreamDecoderMalformedHeaderErrors(t *testing.T) {
	var d StreamDecoder
	d.Feed(make([]byte, HeaderLen))
	_, _, _, err := d.Next()
	assert.Error(t, err)
}
