package nsq

import (
	"bytes"
	"testing"
)

func TestWriteMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMagic(&buf); err != nil {
		t.Fatalf("writeMagic: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte("  V2")) {
		t.Fatalf("got %q, want %q", buf.Bytes(), "  V2")
	}
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	if err := writeFrame(&buf, FrameTypeMessage, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	frameType, got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if frameType != FrameTypeMessage {
		t.Fatalf("frameType = %d, want %d", frameType, FrameTypeMessage)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, FrameTypeResponse, nil); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	frameType, payload, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if frameType != FrameTypeResponse || len(payload) != 0 {
		t.Fatalf("got (%d, %q)", frameType, payload)
	}
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	// claim a payload far larger than maxFrameSize without providing bytes
	header := make([]byte, 8)
	header[0] = 0x7F
	header[1] = 0xFF
	header[2] = 0xFF
	header[3] = 0xFF
	buf.Write(header)

	if _, _, err := readFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame, got nil")
	}
}

func TestReadFrameRejectsUndersizedFrame(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 8)
	header[3] = 2 // size = 2, less than the 4-byte type field
	buf.Write(header)

	if _, _, err := readFrame(&buf); err == nil {
		t.Fatal("expected error for undersized frame, got nil")
	}
}
