package nsq

import (
	"bufio"
	"bytes"
	"compress/flate"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mreiferson/go-snappystream"
)

// connState tracks a Connection's position in the lifecycle spec.md §3
// describes: Handshaking → Subscribed → Closing → Closed.
type connState int32

const (
	connHandshaking connState = iota
	connSubscribed
	connClosing
	connClosed
)

// connDelegate is the capability interface a Connection uses to call back
// into its parent Consumer, per DESIGN NOTES §9 ("implement as capability
// interfaces passed at construction; avoid cyclic ownership by making the
// Connection hold a non-owning reference").
type connDelegate interface {
	OnMessage(c *Connection, m *Message)
	OnResponse(c *Connection, data []byte)
	OnError(c *Connection, data []byte)
	OnHeartbeat(c *Connection)
	OnIOError(c *Connection, err error)
	OnClose(c *Connection)
	OnBackoff(c *Connection)
	OnResume(c *Connection)
	OnMessageFinished(c *Connection)
}

// IdentifyResponse is the JSON document a broker returns in response to
// IDENTIFY, describing negotiated server features (spec.md §6). Field set
// kept from the teacher's conn.go and extended with the remaining fields
// spec.md §6 says are "consumed".
type IdentifyResponse struct {
	MaxRdyCount         int64 `json:"max_rdy_count"`
	TLSv1               bool  `json:"tls_v1"`
	Deflate             bool  `json:"deflate"`
	DeflateLevel        int   `json:"deflate_level"`
	Snappy              bool  `json:"snappy"`
	HeartbeatInterval   int64 `json:"heartbeat_interval"`
	OutputBufferSize    int64 `json:"output_buffer_size"`
	OutputBufferTimeout int64 `json:"output_buffer_timeout"`
	MsgTimeout          int64 `json:"msg_timeout"`
	AuthRequired        bool  `json:"auth_required"`
	SampleRate          int32 `json:"sample_rate"`
}

// ackRequest is what a handler-side Finish/Requeue call enqueues onto a
// Connection's internal finishedMessages channel. The write loop decrements
// messagesInFlight for each ack it processes, mirroring the teacher's
// FinishedMessage/writeLoop relationship in conn.go; once the connection is
// closing, cleanup drains the channel and decrements it instead.
type ackRequest struct {
	id             MessageID
	success        bool
	requeueDelayMs int64
	backoff        bool
}

// Connection owns one TCP link to a broker: dial, handshake, the framed
// read loop, the serialized write loop, heartbeat response/watchdog, and
// in-flight message bookkeeping (spec.md §4.3). Adapted from the teacher's
// conn.go: the goroutine pair, the atomic counters, the sync.Once-guarded
// three-phase close (close → cleanup → waitForCleanup) are kept almost
// verbatim; handshake is generalized to the full IDENTIFY→TLS→AUTH→SUB
// sequence spec.md requires, and callbacks are routed through connDelegate
// instead of bare function-pointer fields.
type Connection struct {
	// 64-bit atomics first for alignment on 32-bit platforms, as in the
	// teacher's conn.go.
	messagesInFlight int64
	rdyCount         int64
	lastRdyCount     int64
	maxRdyCount      int64
	lastMsgTimestamp int64
	lastHeartbeatAt  int64

	state int32 // connState

	addr    string
	topic   string
	channel string

	config   *Config
	delegate connDelegate
	logger   Logger

	conn    net.Conn
	tlsConn *tls.Conn
	r       io.Reader
	w       io.Writer

	flateWriter *flate.Writer

	identifyResponse IdentifyResponse

	writeMtx sync.Mutex
	cmdBuf   bytes.Buffer

	cmdChan          chan *Command
	finishedMessages chan *ackRequest
	exitChan         chan struct{}
	drainReady       chan struct{}

	stopper sync.Once
	wg      sync.WaitGroup

	readLoopRunning int32
}

// NewConnection constructs a Connection for addr/topic/channel. Connect
// must be called before any use.
func NewConnection(addr, topic, channel string, config *Config, delegate connDelegate, logger Logger) *Connection {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Connection{
		addr:    addr,
		topic:   topic,
		channel: channel,

		config:   config,
		delegate: delegate,
		logger:   logger,

		maxRdyCount:      2500,
		lastMsgTimestamp: time.Now().UnixNano(),

		cmdChan:          make(chan *Command),
		finishedMessages: make(chan *ackRequest),
		exitChan:         make(chan struct{}),
		drainReady:       make(chan struct{}),

		state: int32(connHandshaking),
	}
}

func (c *Connection) String() string { return fmt.Sprintf("%s/%s/%s", c.addr, c.topic, c.channel) }

// Address returns the broker TCP address this Connection targets.
func (c *Connection) Address() string { return c.addr }

func (c *Connection) setState(s connState) { atomic.StoreInt32(&c.state, int32(s)) }
func (c *Connection) getState() connState  { return connState(atomic.LoadInt32(&c.state)) }

// IsClosing reports whether the connection has begun (or finished) closing.
func (c *Connection) IsClosing() bool {
	s := c.getState()
	return s == connClosing || s == connClosed
}

// MessagesInFlight returns the current in-flight count for this connection.
func (c *Connection) MessagesInFlight() int64 { return atomic.LoadInt64(&c.messagesInFlight) }

// LastRDY returns the RDY count most recently sent to this connection.
func (c *Connection) LastRDY() int64 { return atomic.LoadInt64(&c.lastRdyCount) }

// MaxRDY returns the server-advertised maximum RDY count.
func (c *Connection) MaxRDY() int64 { return atomic.LoadInt64(&c.maxRdyCount) }

// LastMessageTime reports when the most recent Message frame arrived.
func (c *Connection) LastMessageTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastMsgTimestamp))
}

// Connect dials the broker, performs the full handshake (spec.md §4.3) and,
// on success, starts the read and write loops.
func (c *Connection) Connect() (*IdentifyResponse, error) {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		return nil, ErrIO{Op: "dial", Err: err}
	}
	c.conn = conn
	c.r = conn
	c.w = conn

	if err := writeMagic(c); err != nil {
		c.conn.Close()
		return nil, err
	}

	resp, err := c.identify()
	if err != nil {
		c.conn.Close()
		return nil, err
	}

	if resp.AuthRequired && c.config.AuthSecret != "" {
		if err := c.auth(c.config.AuthSecret); err != nil {
			c.conn.Close()
			return nil, err
		}
	}

	if err := c.subscribe(); err != nil {
		c.conn.Close()
		return nil, err
	}

	c.setState(connSubscribed)

	c.wg.Add(2)
	atomic.StoreInt32(&c.readLoopRunning, 1)
	go c.readLoop()
	go c.writeLoop()

	return resp, nil
}

// Read implements io.Reader with a deadline, per the teacher's conn.go.
func (c *Connection) Read(p []byte) (int, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	return c.r.Read(p)
}

// Write implements io.Writer with a deadline, per the teacher's conn.go.
func (c *Connection) Write(p []byte) (int, error) {
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.w.Write(p)
}

// sendCommand serializes and writes a single Command, guarded by writeMtx
// so concurrent senders (handshake vs. write loop) never interleave writes.
func (c *Connection) sendCommand(cmd *Command) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if err := encodeCommand(&c.cmdBuf, cmd); err != nil {
		return err
	}
	if _, err := c.cmdBuf.WriteTo(c); err != nil {
		return ErrIO{Op: "write command", Err: err}
	}
	if c.flateWriter != nil {
		return c.flateWriter.Flush()
	}
	return nil
}

func (c *Connection) readUnpackedResponse() (FrameType, []byte, error) {
	return readFrame(c)
}

func (c *Connection) identify() (*IdentifyResponse, error) {
	ci := map[string]interface{}{
		"client_id":             c.config.ClientID,
		"hostname":              c.config.Hostname,
		"tls_v1":                c.config.TLSv1,
		"deflate":               c.config.Deflate,
		"deflate_level":         c.config.DeflateLevel,
		"snappy":                c.config.Snappy,
		"feature_negotiation":   true,
		"heartbeat_interval":    int64(c.config.HeartbeatInterval / time.Millisecond),
		"sample_rate":           c.config.SampleRate,
		"user_agent":            c.config.UserAgent,
		"output_buffer_size":    c.config.OutputBufferSize,
		"output_buffer_timeout": int64(c.config.OutputBufferTimeout / time.Millisecond),
		"msg_timeout":           int64(c.config.MsgTimeout / time.Millisecond),
	}

	cmd, err := Identify(ci)
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	if err := c.sendCommand(cmd); err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}

	frameType, data, err := c.readUnpackedResponse()
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	if frameType == FrameTypeError {
		return nil, ErrIdentify{Reason: string(data)}
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrIdentify{Reason: "server did not respond with IDENTIFY capabilities"}
	}

	resp := &IdentifyResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}

	atomic.StoreInt64(&c.maxRdyCount, resp.MaxRdyCount)
	c.identifyResponse = *resp

	if resp.TLSv1 {
		if err := c.upgradeTLS(); err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	}
	if resp.Deflate {
		if err := c.upgradeDeflate(); err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	}
	if resp.Snappy {
		if err := c.upgradeSnappy(); err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	}

	// now that the connection is bootstrapped, enable read buffering
	c.r = bufio.NewReader(c.r)

	return resp, nil
}

func (c *Connection) upgradeTLS() error {
	tlsConfig := c.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: c.config.TLSMinVersion} //nolint:gosec
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if tlsConfig.MinVersion < tls.VersionTLS12 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}
	if c.config.TLSInsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	c.tlsConn = tls.Client(c.conn, tlsConfig)
	if err := c.tlsConn.Handshake(); err != nil {
		return err
	}
	c.r = c.tlsConn
	c.w = c.tlsConn

	frameType, data, err := c.readUnpackedResponse()
	if err != nil {
		return err
	}
	if frameType != FrameTypeResponse || !bytes.Equal(data, []byte("OK")) {
		return errors.New("invalid response from TLS upgrade")
	}
	return nil
}

func (c *Connection) underlyingConn() net.Conn {
	if c.tlsConn != nil {
		return c.tlsConn
	}
	return c.conn
}

func (c *Connection) upgradeDeflate() error {
	conn := c.underlyingConn()
	c.r = flate.NewReader(conn)
	fw, err := flate.NewWriter(conn, c.config.DeflateLevel)
	if err != nil {
		return err
	}
	c.flateWriter = fw
	c.w = fw

	frameType, data, err := c.readUnpackedResponse()
	if err != nil {
		return err
	}
	if frameType != FrameTypeResponse || !bytes.Equal(data, []byte("OK")) {
		return errors.New("invalid response from Deflate upgrade")
	}
	return nil
}

func (c *Connection) upgradeSnappy() error {
	conn := c.underlyingConn()
	c.r = snappystream.NewReader(conn, snappystream.SkipVerifyChecksum)
	c.w = snappystream.NewWriter(conn)

	frameType, data, err := c.readUnpackedResponse()
	if err != nil {
		return err
	}
	if frameType != FrameTypeResponse || !bytes.Equal(data, []byte("OK")) {
		return errors.New("invalid response from Snappy upgrade")
	}
	return nil
}

func (c *Connection) auth(secret string) error {
	if err := c.sendCommand(Auth(secret)); err != nil {
		return ErrIdentify{Reason: err.Error()}
	}
	frameType, data, err := c.readUnpackedResponse()
	if err != nil {
		return ErrIdentify{Reason: err.Error()}
	}
	if frameType == FrameTypeError {
		return ErrIdentify{Reason: fmt.Sprintf("AUTH failed: %s", data)}
	}
	return nil
}

func (c *Connection) subscribe() error {
	cmd, err := Sub(c.topic, c.channel)
	if err != nil {
		return ErrIdentify{Reason: err.Error()}
	}
	if err := c.sendCommand(cmd); err != nil {
		return ErrIdentify{Reason: err.Error()}
	}
	frameType, data, err := c.readUnpackedResponse()
	if err != nil {
		return ErrIdentify{Reason: err.Error()}
	}
	if frameType == FrameTypeError {
		return ErrIdentify{Reason: fmt.Sprintf("SUB failed: %s", data)}
	}
	if !bytes.Equal(data, []byte("OK")) {
		return ErrIdentify{Reason: fmt.Sprintf("unexpected SUB response: %s", data)}
	}
	return nil
}

// SetRDY sends an RDY command for n and records it as lastRdyCount/rdyCount,
// exactly as the teacher's Conn.SetRDY does.
func (c *Connection) SetRDY(n int64) error {
	cmd, err := Rdy(n)
	if err != nil {
		return err
	}
	select {
	case c.cmdChan <- cmd:
	case <-c.exitChan:
		return ErrStopped
	}
	atomic.StoreInt64(&c.rdyCount, n)
	atomic.StoreInt64(&c.lastRdyCount, n)
	return nil
}

// finish acknowledges successful handling of a message.
func (c *Connection) finish(id MessageID) {
	select {
	case c.finishedMessages <- &ackRequest{id: id, success: true}:
	case <-c.exitChan:
	}
}

// requeue acknowledges failed handling; when backoff is set, OnBackoff is
// signalled to the parent once the write loop has processed the ack.
func (c *Connection) requeue(id MessageID, delay time.Duration, backoff bool) {
	select {
	case c.finishedMessages <- &ackRequest{id: id, success: false, requeueDelayMs: delay.Milliseconds(), backoff: backoff}:
	case <-c.exitChan:
	}
}

// touch extends the broker-side visibility timeout for id.
func (c *Connection) touch(id MessageID) {
	select {
	case c.cmdChan <- Touch(id):
	case <-c.exitChan:
	}
}

func (c *Connection) ackTarget() ackTarget {
	return ackTarget{finish: c.finish, requeue: c.requeue, touch: c.touch}
}

func (c *Connection) readLoop() {
	heartbeatTimeout := 2 * c.config.HeartbeatInterval
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 60 * time.Second
	}

	for {
		if c.IsClosing() {
			goto exit
		}

		frameType, data, err := c.readUnpackedResponse()
		if err != nil {
			c.delegate.OnIOError(c, err)
			goto exit
		}

		if frameType == FrameTypeResponse && bytes.Equal(data, []byte("_heartbeat_")) {
			atomic.StoreInt64(&c.lastHeartbeatAt, time.Now().UnixNano())
			c.delegate.OnHeartbeat(c)
			if err := c.sendCommand(Nop()); err != nil {
				c.delegate.OnIOError(c, err)
				goto exit
			}
			continue
		}

		if heartbeatTimeout > 0 {
			lastHB := atomic.LoadInt64(&c.lastHeartbeatAt)
			if lastHB != 0 && time.Since(time.Unix(0, lastHB)) > heartbeatTimeout {
				c.delegate.OnIOError(c, ErrIO{Op: "heartbeat watchdog", Err: fmt.Errorf("no heartbeat in %s", heartbeatTimeout)})
				goto exit
			}
		}

		switch frameType {
		case FrameTypeResponse:
			c.delegate.OnResponse(c, data)
		case FrameTypeMessage:
			msg, err := decodeMessageBody(data, c.addr, c.ackTarget())
			if err != nil {
				c.delegate.OnIOError(c, err)
				goto exit
			}
			atomic.AddInt64(&c.rdyCount, -1)
			atomic.AddInt64(&c.messagesInFlight, 1)
			atomic.StoreInt64(&c.lastMsgTimestamp, time.Now().UnixNano())
			c.delegate.OnMessage(c, msg)
		case FrameTypeError:
			c.delegate.OnError(c, data)
			if isFatalError(data) {
				goto exit
			}
		default:
			c.delegate.OnIOError(c, ErrProtocol{Reason: fmt.Sprintf("unknown frame type %d", frameType)})
			goto exit
		}
	}

exit:
	atomic.StoreInt32(&c.readLoopRunning, 0)
	if atomic.LoadInt64(&c.messagesInFlight) == 0 {
		c.close()
	} else {
		logf(c.logger, "[%s] delaying close, %d outstanding messages", c, atomic.LoadInt64(&c.messagesInFlight))
	}
	c.wg.Done()
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.exitChan:
			close(c.drainReady)
			goto exit
		case cmd := <-c.cmdChan:
			if err := c.sendCommand(cmd); err != nil {
				logf(c.logger, "[%s] error sending command %s - %s", c, cmd, err)
				c.close()
				continue
			}
		case ack := <-c.finishedMessages:
			msgsInFlight := atomic.AddInt64(&c.messagesInFlight, -1)

			if ack.success {
				if err := c.sendCommand(Finish(ack.id)); err != nil {
					logf(c.logger, "[%s] error finishing %x - %s", c, ack.id, err)
					c.close()
					continue
				}
				c.delegate.OnMessageFinished(c)
				c.delegate.OnResume(c)
			} else {
				if err := c.sendCommand(Requeue(ack.id, ack.requeueDelayMs)); err != nil {
					logf(c.logger, "[%s] error requeueing %x - %s", c, ack.id, err)
					c.close()
					continue
				}
				if ack.backoff {
					c.delegate.OnBackoff(c)
				} else {
					c.delegate.OnResume(c)
				}
			}

			if msgsInFlight == 0 && c.IsClosing() {
				c.close()
				continue
			}
		}
	}

exit:
	c.wg.Done()
}

// Close initiates a graceful shutdown: CLS is sent, the write loop stops, and
// teardown waits (at most MsgTimeout, enforced by cleanup) for in-flight
// messages to ack before the socket is closed. Idempotent.
func (c *Connection) Close() {
	c.setState(connClosing)
	_ = c.sendCommand(Cls())
	c.close()
}

// close is the low-level, sync.Once-guarded teardown shared by Close() and
// internal error paths, mirroring the teacher's conn.go close()/cleanup()/
// waitForCleanup() three-phase shutdown.
func (c *Connection) close() {
	c.stopper.Do(func() {
		c.setState(connClosing)
		close(c.exitChan)

		c.wg.Add(1)
		go c.cleanup()

		go c.waitForCleanup()
	})
}

// cleanup waits for in-flight messages to ack and the read loop to exit
// before returning, but never longer than c.config.MsgTimeout (spec.md §4.3,
// §8 scenario 6): a stuck handler or a lost ack must not hang Stop() forever.
func (c *Connection) cleanup() {
	<-c.drainReady

	deadline := c.config.MsgTimeout
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		var msgsInFlight int64
		select {
		case <-c.finishedMessages:
			msgsInFlight = atomic.AddInt64(&c.messagesInFlight, -1)
		case <-ticker.C:
			msgsInFlight = atomic.LoadInt64(&c.messagesInFlight)
		case <-timeout.C:
			logf(c.logger, "[%s] cleanup timed out after %s waiting on %d in-flight message(s)", c, deadline, atomic.LoadInt64(&c.messagesInFlight))
			break loop
		}
		if msgsInFlight > 0 {
			continue
		}
		if atomic.LoadInt32(&c.readLoopRunning) == 1 {
			continue
		}
		break
	}
	c.wg.Done()
}

func (c *Connection) waitForCleanup() {
	c.wg.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
	c.setState(connClosed)
	c.delegate.OnClose(c)
}
