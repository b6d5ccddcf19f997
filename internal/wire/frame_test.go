package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("compressed document bytes")
	require.NoError(t, WriteFrame(&buf, payload))

	out, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestFramePrefixIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte{0xAA}))
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0xAA}, buf.Bytes())
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), 0)
	assert.Error(t, err)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}), 0)
	assert.Error(t, err)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 16, 1, 2}), 8)
	assert.Error(t, err)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 4, 1, 2}), 0)
	assert.Error(t, err)
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshakeReply(&buf, ReplyNoTLS))

	v, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, ReplyNoTLS, v)
}
