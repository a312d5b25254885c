package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// MaxSessionKeyLength bounds the key sent by a replica when it connects.
	MaxSessionKeyLength = 1024

	// DefaultMaxFrameBytes bounds a single batch frame.
	DefaultMaxFrameBytes = 64 << 20

	lengthSize = 4
)

// WriteSessionKey sends the handshake: uint32 big-endian length + key bytes.
func WriteSessionKey(w io.Writer, key string) error {
	if len(key) > MaxSessionKeyLength {
		return fmt.Errorf("%w: session key of %d bytes", ErrProtocolViolation, len(key))
	}

	buf := make([]byte, lengthSize+len(key))
	binary.BigEndian.PutUint32(buf, uint32(len(key)))
	copy(buf[lengthSize:], key)

	_, err := w.Write(buf)
	return err
}

// ReadSessionKey reads the handshake written by WriteSessionKey.
func ReadSessionKey(r io.Reader) (string, error) {
	var header [lengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", fmt.Errorf("failed to read session key length: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxSessionKeyLength {
		return "", fmt.Errorf("%w: session key length %d", ErrProtocolViolation, n)
	}

	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("failed to read session key: %w", unexpected(err))
	}

	return string(key), nil
}

// WriteFrame writes uint32 big-endian length + payload in one call so a
// frame is never interleaved with another write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 || uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: frame of %d bytes", ErrProtocolViolation, len(payload))
	}

	buf := make([]byte, lengthSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[lengthSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. A zero length or a length above maxBytes is a
// protocol violation; a frame cut short returns io.ErrUnexpectedEOF and no
// payload.
func ReadFrame(r io.Reader, maxBytes uint32) ([]byte, error) {
	var header [lengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || n > maxBytes {
		return nil, fmt.Errorf("%w: frame length %d, limit %d", ErrProtocolViolation, n, maxBytes)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, unexpected(err)
	}

	return payload, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
