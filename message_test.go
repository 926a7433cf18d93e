package nsq

import (
	"sync"
	"testing"
	"time"
)

func newTestAckTarget() (*ackTarget, *[]string) {
	calls := &[]string{}
	var mtx sync.Mutex
	target := ackTarget{
		finish: func(id MessageID) {
			mtx.Lock()
			*calls = append(*calls, "finish")
			mtx.Unlock()
		},
		requeue: func(id MessageID, d time.Duration, backoff bool) {
			mtx.Lock()
			*calls = append(*calls, "requeue")
			mtx.Unlock()
		},
		touch: func(id MessageID) {
			mtx.Lock()
			*calls = append(*calls, "touch")
			mtx.Unlock()
		},
	}
	return &target, calls
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	var id MessageID
	copy(id[:], "abcdefghijklmnop")
	target, _ := newTestAckTarget()

	msg := newMessage(id, 123456789, 3, []byte("payload"), "127.0.0.1:4150", *target)

	encoded, err := msg.EncodeBytes()
	if err != nil {
		t.Fatalf("EncodeBytes: %v", err)
	}

	decoded, err := decodeMessageBody(encoded, "127.0.0.1:4150", *target)
	if err != nil {
		t.Fatalf("decodeMessageBody: %v", err)
	}

	if decoded.ID != msg.ID {
		t.Fatalf("ID mismatch: got %v want %v", decoded.ID, msg.ID)
	}
	if decoded.Timestamp != msg.Timestamp {
		t.Fatalf("Timestamp mismatch: got %d want %d", decoded.Timestamp, msg.Timestamp)
	}
	if decoded.Attempts != msg.Attempts {
		t.Fatalf("Attempts mismatch: got %d want %d", decoded.Attempts, msg.Attempts)
	}
	if string(decoded.Body) != "payload" {
		t.Fatalf("Body mismatch: got %q", decoded.Body)
	}
}

func TestMessageFinishIsExactlyOnce(t *testing.T) {
	var id MessageID
	target, calls := newTestAckTarget()
	msg := newMessage(id, 0, 0, nil, "addr", *target)

	msg.Finish()
	msg.Finish()
	msg.Requeue(time.Second, true)

	if len(*calls) != 1 || (*calls)[0] != "finish" {
		t.Fatalf("expected exactly one finish call, got %v", *calls)
	}
	if !msg.HasResponded() {
		t.Fatal("expected HasResponded to be true")
	}
}

func TestMessageRequeueIsExactlyOnce(t *testing.T) {
	var id MessageID
	target, calls := newTestAckTarget()
	msg := newMessage(id, 0, 0, nil, "addr", *target)

	msg.Requeue(time.Second, true)
	msg.Requeue(time.Second, true)
	msg.Finish()

	if len(*calls) != 1 || (*calls)[0] != "requeue" {
		t.Fatalf("expected exactly one requeue call, got %v", *calls)
	}
}

func TestMessageTouchNoOpAfterResponse(t *testing.T) {
	var id MessageID
	target, calls := newTestAckTarget()
	msg := newMessage(id, 0, 0, nil, "addr", *target)

	msg.Finish()
	msg.Touch()

	if len(*calls) != 1 {
		t.Fatalf("expected Touch to no-op after Finish, got %v", *calls)
	}
}

func TestMessageDisableAutoResponse(t *testing.T) {
	var id MessageID
	target, _ := newTestAckTarget()
	msg := newMessage(id, 0, 0, nil, "addr", *target)

	if msg.IsAutoResponseDisabled() {
		t.Fatal("expected auto-response enabled by default")
	}
	msg.DisableAutoResponse()
	if !msg.IsAutoResponseDisabled() {
		t.Fatal("expected auto-response disabled after DisableAutoResponse")
	}
}

func TestDecodeMessageBodyTooShort(t *testing.T) {
	target, _ := newTestAckTarget()
	if _, err := decodeMessageBody([]byte{1, 2, 3}, "addr", *target); err == nil {
		t.Fatal("expected error decoding truncated message body")
	}
}
