package replication

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSessionKeyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSessionKey(&buf, "abc.def"); err != nil {
		t.Fatalf("WriteSessionKey failed: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); got != 7 {
		t.Fatalf("length prefix = %d, want 7", got)
	}

	key, err := ReadSessionKey(&buf)
	if err != nil {
		t.Fatalf("ReadSessionKey failed: %v", err)
	}
	if key != "abc.def" {
		t.Fatalf("key = %q", key)
	}
}

func TestSessionKeyLimit(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantErr error
	}{
		{name: "at limit", length: MaxSessionKeyLength},
		{name: "over limit", length: MaxSessionKeyLength + 1, wantErr: ErrProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			header := make([]byte, 4)
			binary.BigEndian.PutUint32(header, uint32(tt.length))
			buf.Write(header)
			buf.WriteString(strings.Repeat("k", tt.length))

			_, err := ReadSessionKey(&buf)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadSessionKey error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := WriteSessionKey(io.Discard, strings.Repeat("k", MaxSessionKeyLength+1)); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("WriteSessionKey error = %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, payload := range []string{"first", "second batch"} {
		if err := WriteFrame(&buf, []byte(payload)); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	for _, want := range []string{"first", "second batch"} {
		got, err := ReadFrame(&buf, DefaultMaxFrameBytes)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if string(got) != want {
			t.Fatalf("payload = %q, want %q", got, want)
		}
	}

	if _, err := ReadFrame(&buf, DefaultMaxFrameBytes); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadFrameMalformed(t *testing.T) {
	frame := func(length uint32, body string) *bytes.Buffer {
		var buf bytes.Buffer
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, length)
		buf.Write(header)
		buf.WriteString(body)
		return &buf
	}

	tests := []struct {
		name    string
		input   *bytes.Buffer
		wantErr error
	}{
		{name: "zero length", input: frame(0, ""), wantErr: ErrProtocolViolation},
		{name: "over limit", input: frame(1025, ""), wantErr: ErrProtocolViolation},
		{name: "truncated payload", input: frame(10, "short"), wantErr: io.ErrUnexpectedEOF},
		{name: "truncated header", input: bytes.NewBuffer([]byte{0, 0}), wantErr: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := ReadFrame(tt.input, 1024)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if payload != nil {
				t.Fatalf("partial frame returned %q", payload)
			}
		})
	}
}
