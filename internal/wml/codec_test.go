package wml

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	doc := mustParse(t, `
[scenario]
	id="river_crossing"
	[side]
		controller="human"
		side="1"
	[/side]
[/scenario]
`)
	text := []byte(doc.Serialize())

	for _, method := range []Compression{Gzip, Bzip2} {
		payload, err := Compress(text, method)
		require.NoError(t, err)

		out, err := Decompress(payload, DefaultMaxDecompressed)
		require.NoError(t, err)
		assert.Equal(t, text, out)
	}
}

func TestDecompressDetectsBzip2Marker(t *testing.T) {
	payload, err := Compress([]byte("k=\"v\"\n"), Bzip2)
	require.NoError(t, err)
	assert.Equal(t, byte('B'), payload[0])

	payload, err = Compress([]byte("k=\"v\"\n"), Gzip)
	require.NoError(t, err)
	assert.Equal(t, byte(0x1f), payload[0])
}

func TestDecompressSizeLimit(t *testing.T) {
	// Highly compressible payload that expands well past the limit.
	big := bytes.Repeat([]byte("x"), 1<<20)
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(big)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Decompress(buf.Bytes(), 1024)
	assert.ErrorIs(t, err, ErrDocumentTooLarge)

	out, err := Decompress(buf.Bytes(), 1<<21)
	require.NoError(t, err)
	assert.Len(t, out, 1<<20)
}

func TestDecompressGarbage(t *testing.T) {
	_, err := Decompress([]byte{0x00, 0x01, 0x02}, 1024)
	assert.Error(t, err)

	_, err = Decompress(nil, 1024)
	assert.Error(t, err)
}

func TestCompressLargeDocument(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		sb.WriteString("[unit]\nname=\"grunt\"\n[/unit]\n")
	}
	text := []byte(sb.String())

	payload, err := Compress(text, Gzip)
	require.NoError(t, err)
	assert.Less(t, len(payload), len(text))

	out, err := Decompress(payload, DefaultMaxDecompressed)
	require.NoError(t, err)
	assert.Equal(t, text, out)
}
