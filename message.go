package nsq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// MsgIDLength is the number of bytes in a Message's id, per spec.md §6.
const MsgIDLength = 16

// MessageID is the broker-assigned message identifier.
type MessageID [MsgIDLength]byte

// Message is the in-memory record a Connection decodes off the wire and
// hands to a handler worker. It carries finish/requeue/touch capabilities
// by holding a non-owning reference to the Connection that produced it
// (spec.md §3: "shared by the Connection ... and the handler worker
// currently processing it").
//
// Adapted from the teacher's message.go: the wire codec (Write/DecodeMessage)
// is kept essentially verbatim; the ack methods are rewired to call back
// into the owning Connection directly instead of going through the
// teacher's package-level Writer-oriented channels, since here a Connection
// is a first-class ack target in its own right.
type Message struct {
	ID        MessageID
	Body      []byte
	Timestamp int64
	Attempts  uint16

	NSQDAddress string

	mtx                  sync.Mutex
	conn                 ackTarget
	finished             bool
	autoResponseDisabled bool
	responded            bool
}

// ackTarget is the capability a Message needs from its owning Connection;
// kept minimal so Message does not depend on Connection's full surface.
type ackTarget struct {
	finish  func(MessageID)
	requeue func(MessageID, time.Duration, bool)
	touch   func(MessageID)
}

// newMessage constructs a Message ready for dispatch to a handler. Called
// only from Connection's read loop.
func newMessage(id MessageID, timestamp int64, attempts uint16, body []byte, addr string, target ackTarget) *Message {
	return &Message{
		ID:          id,
		Timestamp:   timestamp,
		Attempts:    attempts,
		Body:        body,
		NSQDAddress: addr,
		conn:        target,
	}
}

// DisableAutoResponse prevents the consumer's handler worker from
// automatically sending FIN/REQ based on the handler's return value; the
// handler takes full responsibility for acking via Finish/Requeue.
func (m *Message) DisableAutoResponse() {
	m.mtx.Lock()
	m.autoResponseDisabled = true
	m.mtx.Unlock()
}

// IsAutoResponseDisabled reports whether DisableAutoResponse was called.
func (m *Message) IsAutoResponseDisabled() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.autoResponseDisabled
}

// HasResponded reports whether Finish or Requeue has already been called.
func (m *Message) HasResponded() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.responded
}

// Finish acknowledges successful processing exactly once; subsequent calls
// are no-ops, enforcing spec.md §3's "ack'd exactly once" invariant.
func (m *Message) Finish() {
	m.mtx.Lock()
	if m.responded {
		m.mtx.Unlock()
		return
	}
	m.responded = true
	m.finished = true
	m.mtx.Unlock()
	m.conn.finish(m.ID)
}

// Requeue signals processing failure, asking the broker to redeliver after
// delay. If backoff is true the owning Connection reports failure to the
// consumer's RDY controller (spec.md §4.3 "requeue(msgId, delay, backoff)").
func (m *Message) Requeue(delay time.Duration, backoff bool) {
	m.mtx.Lock()
	if m.responded {
		m.mtx.Unlock()
		return
	}
	m.responded = true
	m.mtx.Unlock()
	m.conn.requeue(m.ID, delay, backoff)
}

// Touch extends the broker-side visibility timeout without acking.
func (m *Message) Touch() {
	m.mtx.Lock()
	done := m.responded
	m.mtx.Unlock()
	if done {
		return
	}
	m.conn.touch(m.ID)
}

// EncodeBytes serializes the message into a new, returned []byte. Kept
// verbatim from the teacher's message.go (the wire format has not changed).
func (m *Message) EncodeBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.writeTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, &m.Timestamp); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, &m.Attempts); err != nil {
		return err
	}
	if _, err := w.Write(m.ID[:]); err != nil {
		return err
	}
	_, err := w.Write(m.Body)
	return err
}

// decodeMessageBody deserializes a raw Message frame payload
// (int64_be timestamp | uint16_be attempts | 16 bytes id | body), per
// spec.md §6. Grounded on the teacher's DecodeMessage, generalized to
// attach the owning connection's ack target and NSQD address.
func decodeMessageBody(data []byte, addr string, target ackTarget) (*Message, error) {
	buf := bytes.NewBuffer(data)

	var timestamp int64
	if err := binary.Read(buf, binary.BigEndian, &timestamp); err != nil {
		return nil, fmt.Errorf("nsq: decode message timestamp: %w", err)
	}

	var attempts uint16
	if err := binary.Read(buf, binary.BigEndian, &attempts); err != nil {
		return nil, fmt.Errorf("nsq: decode message attempts: %w", err)
	}

	var id MessageID
	if _, err := io.ReadFull(buf, id[:]); err != nil {
		return nil, fmt.Errorf("nsq: decode message id: %w", err)
	}

	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())

	return newMessage(id, timestamp, attempts, body, addr, target), nil
}
