// Package wire implements the length-prefixed message framing and the
// version handshake spoken on every client connection.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxFrameSize caps the compressed payload length accepted from a
	// peer. The decompressed size is limited separately by the codec.
	MaxFrameSize = 4 * 1024 * 1024

	// Handshake protocol versions requested by the client.
	VersionPlain     uint32 = 0
	VersionNegotiate uint32 = 1

	// Handshake replies sent by the server.
	ReplyPlainAck uint32 = 42
	ReplyTLS      uint32 = 0
	ReplyNoTLS    uint32 = 0xFFFFFFFF
)

// ReadFrame reads one length-prefixed frame from r.
// Frame format: [4-byte BE length][payload bytes...]. A zero length is a
// protocol violation, as is a length above maxSize (or MaxFrameSize when
// maxSize is zero); both fail before any payload allocation.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if length == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}
	if length > maxSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", length, err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("refusing to write zero-length frame")
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadHandshake reads the client's 4-byte version request.
func ReadHandshake(r io.Reader) (uint32, error) {
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return 0, fmt.Errorf("read handshake: %w", err)
	}
	return version, nil
}

// WriteHandshakeReply writes the server's 4-byte handshake response.
func WriteHandshakeReply(w io.Writer, reply uint32) error {
	if err := binary.Write(w, binary.BigEndian, reply); err != nil {
		return fmt.Errorf("write handshake reply: %w", err)
	}
	return nil
}
