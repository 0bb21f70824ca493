package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	payloads := [][]byte{
		[]byte(`{"kind":"Status"}`),
		{},
		bytes.Repeat([]byte("x"), 64*1024),
	}

	for _, payload := range payloads {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("WriteFrame(%d bytes) error: %v", len(payload), err)
		}

		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame() error: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("round trip mismatch for %d bytes", len(payload))
		}
	}
}

func TestFrameHeaderIsBigEndianLength(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}

	raw := buf.Bytes()
	if got := binary.BigEndian.Uint32(raw[:4]); got != 5 {
		t.Errorf("header length = %d, want 5", got)
	}
	if string(raw[4:]) != "hello" {
		t.Errorf("payload = %q", raw[4:])
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("error = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])

	_, err := ReadFrame(&buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("error = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("short")

	if _, err := ReadFrame(&buf); err == nil {
		t.Error("truncated frame read succeeded")
	}
}
