package nsq

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewConsumerValidatesNames(t *testing.T) {
	if _, err := NewConsumer("", "channel", NewConfig()); err == nil {
		t.Fatal("expected error for empty topic")
	}
	if _, err := NewConsumer("topic", "", NewConfig()); err == nil {
		t.Fatal("expected error for empty channel")
	}
}

func TestNewConsumerDefaultsConfigWhenNil(t *testing.T) {
	q, err := NewConsumer("topic", "channel", nil)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer q.Stop()
	if q.getMaxInFlight() != NewConfig().MaxInFlight {
		t.Fatalf("expected default MaxInFlight, got %d", q.getMaxInFlight())
	}
}

func TestConnectBeforeAddHandlerFails(t *testing.T) {
	q, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer q.Stop()

	if err := q.ConnectToNSQD("127.0.0.1:1"); err != ErrNoHandlers {
		t.Fatalf("expected ErrNoHandlers, got %v", err)
	}
}

func TestChangeMaxInFlightUpdatesBudget(t *testing.T) {
	q, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer q.Stop()

	q.ChangeMaxInFlight(42)
	if q.getMaxInFlight() != 42 {
		t.Fatalf("getMaxInFlight() = %d, want 42", q.getMaxInFlight())
	}
}

func TestDisconnectFromNSQDNotConnected(t *testing.T) {
	q, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer q.Stop()

	err = q.DisconnectFromNSQD("127.0.0.1:9999")
	var notConnected ErrNotConnected
	if !errors.As(err, &notConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectFromNSQLookupdRefusesLastEndpoint(t *testing.T) {
	q, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer q.Stop()

	q.AddHandler(HandlerFunc(func(m *Message) error { return nil }), 1)
	if err := q.ConnectToNSQLookupd("127.0.0.1:4161"); err != nil {
		t.Fatalf("ConnectToNSQLookupd: %v", err)
	}

	if err := q.DisconnectFromNSQLookupd("127.0.0.1:4161"); err == nil {
		t.Fatal("expected error removing the last lookupd endpoint")
	}
}

func TestIsStarvedWithNoConnections(t *testing.T) {
	q, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer q.Stop()

	if q.IsStarved() {
		t.Fatal("expected IsStarved to be false with no connections")
	}
}

func TestStopIsIdempotentAndClosesStopChan(t *testing.T) {
	q, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}

	q.Stop()
	q.Stop() // must not panic

	select {
	case <-q.StopChan():
	case <-time.After(time.Second):
		t.Fatal("expected StopChan to close after Stop")
	}
}

// captureAckTarget builds an ackTarget that records which verb was invoked,
// used to drive Consumer.processMessage without a live Connection.
func captureAckTarget() (ackTarget, *string) {
	var mtx sync.Mutex
	result := new(string)
	return ackTarget{
		finish: func(MessageID) {
			mtx.Lock()
			*result = "finish"
			mtx.Unlock()
		},
		requeue: func(MessageID, time.Duration, bool) {
			mtx.Lock()
			*result = "requeue"
			mtx.Unlock()
		},
		touch: func(MessageID) {},
	}, result
}

func TestProcessMessageSuccessFinishes(t *testing.T) {
	q, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer q.Stop()

	target, result := captureAckTarget()
	msg := newMessage(MessageID{}, 0, 1, nil, "addr", target)

	q.processMessage(HandlerFunc(func(m *Message) error { return nil }), msg)

	if *result != "finish" {
		t.Fatalf("expected finish, got %q", *result)
	}
}

func TestProcessMessageFailureRequeues(t *testing.T) {
	q, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer q.Stop()

	target, result := captureAckTarget()
	msg := newMessage(MessageID{}, 0, 1, nil, "addr", target)

	q.processMessage(HandlerFunc(func(m *Message) error { return errors.New("boom") }), msg)

	if *result != "requeue" {
		t.Fatalf("expected requeue, got %q", *result)
	}
}

func TestProcessMessageExceedsMaxAttemptsFinishesAndLogs(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxAttempts = 3

	var logged *Message
	logger := FailedMessageLoggerFunc(func(m *Message) { logged = m })

	q, err := NewConsumer("topic", "channel", cfg, WithFailedMessageLogger(logger))
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer q.Stop()

	target, result := captureAckTarget()
	msg := newMessage(MessageID{}, 0, 3, nil, "addr", target)

	q.processMessage(HandlerFunc(func(m *Message) error { return errors.New("still failing") }), msg)

	if *result != "finish" {
		t.Fatalf("expected final finish after exceeding MaxAttempts, got %q", *result)
	}
	if logged != msg {
		t.Fatal("expected FailedMessageLogger to be invoked with the exhausted message")
	}
}

func TestProcessMessageSkipsAutoResponseWhenDisabled(t *testing.T) {
	q, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer q.Stop()

	target, result := captureAckTarget()
	msg := newMessage(MessageID{}, 0, 1, nil, "addr", target)
	msg.DisableAutoResponse()

	q.processMessage(HandlerFunc(func(m *Message) error { return nil }), msg)

	if *result != "" {
		t.Fatalf("expected no automatic ack, got %q", *result)
	}
}
