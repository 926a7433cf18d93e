package nsq

import (
	"bytes"
	"strings"
	"testing"
)

func TestCommandWriteNoParamsNoBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Nop().Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.String() != "NOP\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestCommandWriteWithParams(t *testing.T) {
	cmd, err := Sub("topic", "channel")
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	var buf bytes.Buffer
	if err := cmd.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.String() != "SUB\ttopic\tchannel\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestCommandWriteWithBody(t *testing.T) {
	cmd, err := Identify(map[string]interface{}{"client_id": "x"})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	var buf bytes.Buffer
	if err := cmd.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s := buf.String()
	if !strings.HasPrefix(s, "IDENTIFY\n") {
		t.Fatalf("expected IDENTIFY header, got %q", s)
	}
	if !strings.Contains(s, `"client_id":"x"`) {
		t.Fatalf("expected JSON body in %q", s)
	}
}

func TestSubRejectsInvalidNames(t *testing.T) {
	if _, err := Sub("", "channel"); err == nil {
		t.Fatal("expected error for empty topic")
	}
	if _, err := Sub("topic", strings.Repeat("a", 65)); err == nil {
		t.Fatal("expected error for over-length channel")
	}
}

func TestRdyRejectsNegative(t *testing.T) {
	if _, err := Rdy(-1); err == nil {
		t.Fatal("expected error for negative RDY count")
	}
	cmd, err := Rdy(0)
	if err != nil {
		t.Fatalf("Rdy(0): %v", err)
	}
	var buf bytes.Buffer
	cmd.Write(&buf)
	if buf.String() != "RDY\t0\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestFinishRequeueTouchParams(t *testing.T) {
	var id MessageID
	copy(id[:], "0123456789abcdef")

	var buf bytes.Buffer
	Finish(id).Write(&buf)
	if !bytes.HasPrefix(buf.Bytes(), []byte("FIN\t")) {
		t.Fatalf("FIN command malformed: %q", buf.Bytes())
	}

	buf.Reset()
	Requeue(id, 5000).Write(&buf)
	if !strings.Contains(buf.String(), "\t5000\n") {
		t.Fatalf("REQ command missing delay: %q", buf.String())
	}

	buf.Reset()
	Touch(id).Write(&buf)
	if !bytes.HasPrefix(buf.Bytes(), []byte("TOUCH\t")) {
		t.Fatalf("TOUCH command malformed: %q", buf.Bytes())
	}
}
