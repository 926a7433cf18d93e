package nsq

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Command is a single outgoing protocol command: a newline-terminated ASCII
// verb, optionally followed by tab-separated parameters and, for
// body-bearing commands, a length-prefixed body (spec.md §4.2). Reconstructed
// from the shape writer.go expects of it (cmd.Write(&buf)) since the
// teacher's vendor snapshot is missing the file that originally defined it.
type Command struct {
	Name   []byte
	Params [][]byte
	Body   []byte
}

// Write serializes the command to w: "VERB\tparam1\tparam2\n" followed by
// "uint32_be body_size|body" when Body is non-nil.
func (c *Command) Write(w io.Writer) error {
	if _, err := w.Write(c.Name); err != nil {
		return err
	}
	for _, p := range c.Params {
		if _, err := w.Write([]byte("\t")); err != nil {
			return err
		}
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return err
	}
	if c.Body != nil {
		var sizeBuf [4]byte
		binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(c.Body)))
		if _, err := w.Write(sizeBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(c.Body); err != nil {
			return err
		}
	}
	return nil
}

func (c *Command) String() string {
	if len(c.Params) > 0 {
		return fmt.Sprintf("%s %v", c.Name, c.Params)
	}
	return string(c.Name)
}

// Identify builds the IDENTIFY command, sending consumer capabilities as a
// JSON body (spec.md §4.2/§6).
func Identify(js map[string]interface{}) (*Command, error) {
	body, err := json.Marshal(js)
	if err != nil {
		return nil, err
	}
	return &Command{Name: []byte("IDENTIFY"), Body: body}, nil
}

// Auth builds the AUTH command carrying the shared secret as its body.
func Auth(secret string) *Command {
	return &Command{Name: []byte("AUTH"), Body: []byte(secret)}
}

// Sub builds the SUB command, after validating topic and channel names
// against spec.md §4.2's grammar.
func Sub(topic, channel string) (*Command, error) {
	if !validTopicChannelName(topic) {
		return nil, fmt.Errorf("nsq: invalid topic name %q", topic)
	}
	if !validTopicChannelName(channel) {
		return nil, fmt.Errorf("nsq: invalid channel name %q", channel)
	}
	return &Command{
		Name:   []byte("SUB"),
		Params: [][]byte{[]byte(topic), []byte(channel)},
	}, nil
}

// Rdy builds the RDY command; n must be >= 0 per spec.md §4.2.
func Rdy(n int64) (*Command, error) {
	if n < 0 {
		return nil, fmt.Errorf("nsq: RDY count must be >= 0, got %d", n)
	}
	return &Command{
		Name:   []byte("RDY"),
		Params: [][]byte{[]byte(fmt.Sprintf("%d", n))},
	}, nil
}

// Finish builds the FIN command for the given message id.
func Finish(id MessageID) *Command {
	return &Command{Name: []byte("FIN"), Params: [][]byte{id[:]}}
}

// Requeue builds the REQ command, delaying redelivery by delayMs.
func Requeue(id MessageID, delayMs int64) *Command {
	return &Command{
		Name:   []byte("REQ"),
		Params: [][]byte{id[:], []byte(fmt.Sprintf("%d", delayMs))},
	}
}

// Touch builds the TOUCH command, extending server-side visibility.
func Touch(id MessageID) *Command {
	return &Command{Name: []byte("TOUCH"), Params: [][]byte{id[:]}}
}

// Nop builds the heartbeat-response NOP command.
func Nop() *Command {
	return &Command{Name: []byte("NOP")}
}

// Cls builds the graceful-close CLS command.
func Cls() *Command {
	return &Command{Name: []byte("CLS")}
}

// encodeCommand is a small helper used by Connection.sendCommand to avoid
// allocating a fresh bytes.Buffer on every send (mirrors conn.go's reuse of
// a single c.cmdBuf across SendCommand calls).
func encodeCommand(buf *bytes.Buffer, cmd *Command) error {
	buf.Reset()
	return cmd.Write(buf)
}
