// Package metrics provides an optional instrumentation hook for
// nsq.Consumer. It is never required: a Consumer with no recorder
// configured uses Nop, which does nothing on every call.
package metrics

// Recorder receives consumer-level events. Implementations must be safe for
// concurrent use: every method is called from connection goroutines.
type Recorder interface {
	MessageReceived()
	MessageFinished()
	MessageRequeued()
	ConnectionsChanged(n int)
	RDYChanged(addr string, n int64)
}

// Nop is a Recorder that discards every event; it is the Consumer default.
type Nop struct{}

func (Nop) MessageReceived()         {}
func (Nop) MessageFinished()         {}
func (Nop) MessageRequeued()         {}
func (Nop) ConnectionsChanged(int)   {}
func (Nop) RDYChanged(string, int64) {}
