package nsq

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rajmenon/nsqconsumer/metrics"
)

// Handler processes a single Message. Returning nil acknowledges success
// (FIN); returning an error requeues the message (REQ) with backoff, unless
// the message has exceeded MaxAttempts or has auto-response disabled
// (spec.md §4.6).
type Handler interface {
	HandleMessage(m *Message) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(m *Message) error

func (f HandlerFunc) HandleMessage(m *Message) error { return f(m) }

// FailedMessageLogger is notified when a message is given up on after
// exceeding MaxAttempts (spec.md §4.6).
type FailedMessageLogger interface {
	LogFailedMessage(m *Message)
}

// FailedMessageLoggerFunc adapts a plain function to FailedMessageLogger.
type FailedMessageLoggerFunc func(m *Message)

func (f FailedMessageLoggerFunc) LogFailedMessage(m *Message) { f(m) }

// Stats is a point-in-time snapshot of Consumer counters (spec.md §4.6).
type Stats struct {
	MessagesReceived uint64
	MessagesFinished uint64
	MessagesRequeued uint64
	Connections      int
}

// Option configures optional Consumer dependencies at construction time.
type Option func(*Consumer)

// WithLogger overrides the default stderr logger.
func WithLogger(l Logger) Option {
	return func(q *Consumer) { q.logger = l }
}

// WithMetrics attaches a metrics.Recorder; the default is metrics.Nop{}.
func WithMetrics(m metrics.Recorder) Option {
	return func(q *Consumer) { q.metrics = m }
}

// WithFailedMessageLogger attaches a FailedMessageLogger.
func WithFailedMessageLogger(l FailedMessageLogger) Option {
	return func(q *Consumer) { q.failedLogger = l }
}

var consumerInstanceCount int64

// Consumer subscribes to a single (topic, channel) pair, discovers and
// connects to broker endpoints, and drives a flow-controlled pipeline of
// messages into user handlers (spec.md §1). Grounded on the teacher's
// writer.go for its overall state-machine shape (atomic state, WaitGroup
// join on shutdown) and on nsq_event_router.go for the public call shape
// (AddHandler/ConnectToNSQD/ConnectToNSQLookupd).
type Consumer struct {
	id int64

	topic   string
	channel string
	config  *Config

	logger       Logger
	metrics      metrics.Recorder
	failedLogger FailedMessageLogger

	mtx                sync.RWMutex
	connections        map[string]*Connection
	pendingConnections map[string]*Connection
	lookupEndpoints    []string
	lookupRRIdx        int

	maxInFlight int64 // atomic

	backoffMu       sync.Mutex
	backoffCounter  int
	backoffDuration time.Duration
	backoffTimer    *time.Timer
	maxBackoffLvl   int

	rngMu sync.Mutex
	rng   *rand.Rand

	incoming chan *Message

	handlersAdded int32 // atomic bool
	runningWg     sync.WaitGroup // handler workers + background loops

	stopFlag  int32
	stopOnce  sync.Once
	stopChan  chan struct{}
	exitChan  chan struct{}
	lookupRecheckChan chan struct{}

	stats struct {
		received uint64
		finished uint64
		requeued uint64
	}
}

// NewConsumer validates config, freezes a private copy of it, and spawns
// the RDY-redistribution background task (spec.md §4.6).
func NewConsumer(topic, channel string, config *Config, opts ...Option) (*Consumer, error) {
	if !validTopicChannelName(topic) {
		return nil, fmt.Errorf("nsq: invalid topic name %q", topic)
	}
	if !validTopicChannelName(channel) {
		return nil, fmt.Errorf("nsq: invalid channel name %q", channel)
	}
	if config == nil {
		config = NewConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	q := &Consumer{
		id:                 atomic.AddInt64(&consumerInstanceCount, 1),
		topic:              topic,
		channel:            channel,
		config:             config.clone(),
		logger:             defaultLogger(),
		metrics:            metrics.Nop{},
		connections:        make(map[string]*Connection),
		pendingConnections: make(map[string]*Connection),
		maxInFlight:        config.MaxInFlight,
		maxBackoffLvl:      maxBackoffLevel(config.MaxBackoffDuration),
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
		incoming:           make(chan *Message),
		stopChan:           make(chan struct{}),
		exitChan:           make(chan struct{}),
		lookupRecheckChan:  make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(q)
	}

	q.runningWg.Add(1)
	go q.rdyRedistributeLoop()

	return q, nil
}

func (q *Consumer) String() string { return fmt.Sprintf("%s/%s (#%d)", q.topic, q.channel, q.id) }

func (q *Consumer) getMaxInFlight() int64 { return atomic.LoadInt64(&q.maxInFlight) }

// ChangeMaxInFlight updates the global in-flight budget and triggers RDY
// reconfiguration across every connection. spec.md §9 notes the source's
// guard here is checked after assignment and so is always true; this is
// implemented as the plain setter-then-refresh spec.md says to treat it as.
func (q *Consumer) ChangeMaxInFlight(n int64) {
	atomic.StoreInt64(&q.maxInFlight, n)
	q.updateRDYForAllConns()
}

// AddHandler spawns concurrency worker goroutines pulling from the incoming
// queue. Must be called before any Connect* (spec.md §4.6).
func (q *Consumer) AddHandler(handler Handler, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	atomic.StoreInt32(&q.handlersAdded, 1)
	for i := 0; i < concurrency; i++ {
		q.runningWg.Add(1)
		go q.handlerLoop(handler)
	}
}

func (q *Consumer) handlerLoop(handler Handler) {
	defer q.runningWg.Done()
	for {
		select {
		case msg, ok := <-q.incoming:
			if !ok {
				return
			}
			q.processMessage(handler, msg)
		case <-q.exitChan:
			return
		}
	}
}

func (q *Consumer) processMessage(handler Handler, msg *Message) {
	err := handler.HandleMessage(msg)

	if msg.IsAutoResponseDisabled() || msg.HasResponded() {
		return
	}

	if err == nil {
		msg.Finish()
		return
	}

	if msg.Attempts >= q.config.MaxAttempts {
		if q.failedLogger != nil {
			q.failedLogger.LogFailedMessage(msg)
		}
		msg.Finish()
		return
	}

	delay := q.requeueDelay(msg.Attempts)
	msg.Requeue(delay, true)
}

func (q *Consumer) requeueDelay(attempts uint16) time.Duration {
	delay := q.config.DefaultRequeueDelay * time.Duration(attempts)
	if delay > q.config.MaxRequeueDelay {
		delay = q.config.MaxRequeueDelay
	}
	if delay <= 0 {
		delay = q.config.DefaultRequeueDelay
	}
	return delay
}

// ConnectToNSQD connects directly to a single broker address, bypassing
// lookup discovery.
func (q *Consumer) ConnectToNSQD(addr string) error {
	return q.connect(addr)
}

// ConnectToNSQDs connects to every address in addrs, stopping at the first
// error.
func (q *Consumer) ConnectToNSQDs(addrs []string) error {
	for _, addr := range addrs {
		if err := q.connect(addr); err != nil {
			return err
		}
	}
	return nil
}

func (q *Consumer) connect(addr string) error {
	if atomic.LoadInt32(&q.stopFlag) == 1 {
		return ErrStopped
	}
	if atomic.LoadInt32(&q.handlersAdded) == 0 {
		return ErrNoHandlers
	}

	q.mtx.Lock()
	if _, ok := q.connections[addr]; ok {
		q.mtx.Unlock()
		return ErrAlreadyConnected{Addr: addr}
	}
	if _, ok := q.pendingConnections[addr]; ok {
		q.mtx.Unlock()
		return ErrAlreadyConnected{Addr: addr}
	}
	conn := NewConnection(addr, q.topic, q.channel, q.config, q, q.logger)
	q.pendingConnections[addr] = conn
	q.mtx.Unlock()

	_, err := conn.Connect()
	if err != nil {
		q.mtx.Lock()
		delete(q.pendingConnections, addr)
		q.mtx.Unlock()
		logf(q.logger, "[%s] failed to connect - %s", addr, err)
		return err
	}

	q.mtx.Lock()
	delete(q.pendingConnections, addr)
	q.connections[addr] = conn
	n := len(q.connections)
	q.mtx.Unlock()

	q.metrics.ConnectionsChanged(n)
	logf(q.logger, "[%s] connected", addr)

	q.updateRDYForAllConns()

	return nil
}

// ConnectToNSQLookupd adds addr to the set of lookup endpoints polled for
// producers of this Consumer's topic, starting the discovery poller on the
// first call (spec.md §4.4).
func (q *Consumer) ConnectToNSQLookupd(addr string) error {
	if atomic.LoadInt32(&q.stopFlag) == 1 {
		return ErrStopped
	}
	if atomic.LoadInt32(&q.handlersAdded) == 0 {
		return ErrNoHandlers
	}

	q.mtx.Lock()
	for _, e := range q.lookupEndpoints {
		if e == addr {
			q.mtx.Unlock()
			return ErrAlreadyConnected{Addr: addr}
		}
	}
	q.lookupEndpoints = append(q.lookupEndpoints, addr)
	first := len(q.lookupEndpoints) == 1
	q.mtx.Unlock()

	if first {
		q.runningWg.Add(1)
		go q.lookupPollLoop()
	} else {
		q.triggerLookupRecheck()
	}
	return nil
}

// DisconnectFromNSQD removes and closes the connection to addr.
//
// spec.md §9 notes the source's DisconnectFromNSQD has an inverted
// condition (idx != -1 raises NotConnected, i.e. exactly backwards); the
// correct semantic, implemented here, is to raise NotConnected when the
// address is absent.
func (q *Consumer) DisconnectFromNSQD(addr string) error {
	q.mtx.Lock()
	conn, ok := q.connections[addr]
	if !ok {
		q.mtx.Unlock()
		return ErrNotConnected{Addr: addr}
	}
	delete(q.connections, addr)
	q.mtx.Unlock()

	conn.Close()
	return nil
}

// DisconnectFromNSQLookupd removes addr from the lookup endpoint list.
// Refuses to remove the last endpoint while lookup polling is active
// (spec.md §3).
func (q *Consumer) DisconnectFromNSQLookupd(addr string) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	idx := -1
	for i, e := range q.lookupEndpoints {
		if e == addr {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotConnected{Addr: addr}
	}
	if len(q.lookupEndpoints) == 1 {
		return fmt.Errorf("nsq: cannot remove last lookupd endpoint %s while polling is active", addr)
	}
	q.lookupEndpoints = append(q.lookupEndpoints[:idx], q.lookupEndpoints[idx+1:]...)
	return nil
}

func (q *Consumer) connectionSnapshot() []*Connection {
	q.mtx.RLock()
	defer q.mtx.RUnlock()
	out := make([]*Connection, 0, len(q.connections))
	for _, c := range q.connections {
		out = append(out, c)
	}
	return out
}

func (q *Consumer) connCount() int {
	q.mtx.RLock()
	defer q.mtx.RUnlock()
	return len(q.connections)
}

func (q *Consumer) triggerLookupRecheck() {
	select {
	case q.lookupRecheckChan <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of received/finished/requeued counters and the
// current connection count.
func (q *Consumer) Stats() Stats {
	return Stats{
		MessagesReceived: atomic.LoadUint64(&q.stats.received),
		MessagesFinished: atomic.LoadUint64(&q.stats.finished),
		MessagesRequeued: atomic.LoadUint64(&q.stats.requeued),
		Connections:      q.connCount(),
	}
}

// IsStarved reports whether any connection is close to exhausting its RDY
// budget: messagesInFlight >= 0.85*lastRdyCount, with at least one message
// in flight, and the connection not closing (spec.md §4.6).
func (q *Consumer) IsStarved() bool {
	for _, c := range q.connectionSnapshot() {
		inFlight := c.MessagesInFlight()
		last := c.LastRDY()
		if inFlight > 0 && !c.IsClosing() && float64(inFlight) >= 0.85*float64(last) {
			return true
		}
	}
	return false
}

// StopChan returns the channel that closes once shutdown has fully
// completed; callers block on it to observe the end of Stop().
func (q *Consumer) StopChan() <-chan struct{} { return q.stopChan }

// Stop idempotently begins graceful shutdown: every connection is asked to
// CLS and the exit signal is closed. Stop returns without waiting; once every
// handler worker and background task has joined, the incoming queue and the
// channel returned by StopChan are closed.
func (q *Consumer) Stop() {
	q.stopOnce.Do(func() {
		atomic.StoreInt32(&q.stopFlag, 1)
		logf(q.logger, "[%s] stopping", q)

		for _, c := range q.connectionSnapshot() {
			c.Close()
		}

		close(q.exitChan)

		go func() {
			q.runningWg.Wait()
			close(q.incoming)
			close(q.stopChan)
			logf(q.logger, "[%s] stopped", q)
		}()
	})
}

// --- connDelegate implementation: Connection calls back into Consumer here.

func (q *Consumer) OnMessage(c *Connection, m *Message) {
	atomic.AddUint64(&q.stats.received, 1)
	q.metrics.MessageReceived()
	select {
	case q.incoming <- m:
	case <-q.exitChan:
		// consumer stopping: requeue immediately rather than drop silently
		m.Requeue(0, false)
	}
}

func (q *Consumer) OnResponse(c *Connection, data []byte) {}

func (q *Consumer) OnError(c *Connection, data []byte) {
	logf(q.logger, "[%s] error from broker - %s", c, data)
}

func (q *Consumer) OnHeartbeat(c *Connection) {}

func (q *Consumer) OnIOError(c *Connection, err error) {
	logf(q.logger, "[%s] IO error - %s", c, err)
	c.close()
	q.triggerLookupRecheck()
}

func (q *Consumer) OnClose(c *Connection) {
	q.mtx.Lock()
	delete(q.connections, c.Address())
	delete(q.pendingConnections, c.Address())
	n := len(q.connections)
	q.mtx.Unlock()

	q.metrics.ConnectionsChanged(n)
	logf(q.logger, "[%s] closed", c)

	q.updateRDYForAllConns()
	q.triggerLookupRecheck()
}

func (q *Consumer) OnBackoff(c *Connection) {
	atomic.AddUint64(&q.stats.requeued, 1)
	q.metrics.MessageRequeued()
	q.onConnBackoff()
}

func (q *Consumer) OnResume(c *Connection) {
	q.onConnResume()
}

func (q *Consumer) OnMessageFinished(c *Connection) {
	atomic.AddUint64(&q.stats.finished, 1)
	q.metrics.MessageFinished()
}

// --- background loops

func (q *Consumer) rdyRedistributeLoop() {
	defer q.runningWg.Done()
	ticker := time.NewTicker(q.config.RDYRedistributeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.redistributeRDY()
		case <-q.exitChan:
			return
		}
	}
}
