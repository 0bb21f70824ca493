// Package ipc implements the daemon's request/response control channel:
// length-framed JSON over a unix domain socket.
//
// Framing: each message is a u32 big-endian length followed by that many
// UTF-8 JSON bytes. Frames above 1 MiB are rejected. One request is served
// per connection; the server closes the connection after the response.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest accepted frame payload.
const MaxFrameSize = 1 << 20 // 1 MiB

// Framing errors.
var (
	// ErrFrameTooLarge indicates a frame length above MaxFrameSize.
	ErrFrameTooLarge = errors.New("ipc frame exceeds 1 MiB")

	// ErrDecodeFailed indicates a frame whose payload is not valid JSON
	// for the expected message shape.
	ErrDecodeFailed = errors.New("ipc message decode failed")
)

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("write frame of %d bytes: %w", len(payload), ErrFrameTooLarge)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("read frame of %d bytes: %w", length, ErrFrameTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
