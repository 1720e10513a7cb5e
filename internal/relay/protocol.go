package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed payload size (1 MB).
const MaxFrameSize = 1 << 20

// Response status octets. A response frame carries one status octet
// followed by the opaque payload.
const (
	StatusOK    byte = 0x00
	StatusError byte = 0x01
)

// ErrFrameTooLarge is returned when a frame announces a payload larger
// than MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes payload to w with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes announced", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	return payload, nil
}

// WriteResponse writes a response frame: one status octet followed by the
// payload, framed like any other message.
func WriteResponse(w io.Writer, status byte, payload []byte) error {
	framed := make([]byte, 1+len(payload))
	framed[0] = status
	copy(framed[1:], payload)
	return WriteFrame(w, framed)
}

// ReadResponse reads a response frame and splits off the status octet.
// It is the client-side counterpart of WriteResponse.
func ReadResponse(r io.Reader) (status byte, payload []byte, err error) {
	framed, err := ReadFrame(r)
	if err != nil {
		return 0, nil, err
	}
	if len(framed) == 0 {
		return 0, nil, errors.New("empty response frame")
	}
	return framed[0], framed[1:], nil
}
