package wml

import (
	"bytes"
	stdbzip2 "compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
)

// Compression selects the wire compression algorithm.
type Compression int

const (
	Gzip Compression = iota
	Bzip2
)

const (
	// DefaultMaxDecompressed bounds how far a compressed payload may
	// expand. A small hostile blob can otherwise blow up to gigabytes.
	DefaultMaxDecompressed = 100_000_000

	// LegacyMaxDecompressed is the older, tighter limit kept for
	// deployments that negotiate it.
	LegacyMaxDecompressed = 40_000_000

	bzip2Marker = 'B'
)

// Compress deflates document text for wire transfer.
func Compress(text []byte, method Compression) ([]byte, error) {
	var buf bytes.Buffer
	switch method {
	case Gzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(text); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
	case Bzip2:
		w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			return nil, fmt.Errorf("bzip2 compress: %w", err)
		}
		if _, err := w.Write(text); err != nil {
			return nil, fmt.Errorf("bzip2 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("bzip2 compress: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown compression method %d", method)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a wire payload back to document text. The algorithm
// is detected from the leading byte: ASCII 'B' selects bzip2, anything
// else is treated as gzip. Expansion beyond maxSize fails with
// ErrDocumentTooLarge without allocating more than the limit.
func Decompress(data []byte, maxSize int64) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload: %w", ErrInvalidToken)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxDecompressed
	}

	var r io.Reader
	if data[0] == bzip2Marker {
		r = stdbzip2.NewReader(bytes.NewReader(data))
	} else {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	out, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if int64(len(out)) > maxSize {
		return nil, fmt.Errorf("decompressed size exceeds %d bytes: %w", maxSize, ErrDocumentTooLarge)
	}
	return out, nil
}
