package nsq

import "fmt"

// ErrNotConnected is returned by Consumer operations that require an
// existing connection or lookup endpoint that is not present.
type ErrNotConnected struct {
	Addr string
}

func (e ErrNotConnected) Error() string {
	return fmt.Sprintf("not connected to %s", e.Addr)
}

// ErrAlreadyConnected is returned when a duplicate Connect* call targets an
// address the Consumer is already connected (or connecting) to.
type ErrAlreadyConnected struct {
	Addr string
}

func (e ErrAlreadyConnected) Error() string {
	return fmt.Sprintf("already connected to %s", e.Addr)
}

// ErrStopped is returned by the Consumer's Connect* operations once Stop has
// been called, and by Connection.SetRDY once the connection is closing.
var ErrStopped = fmt.Errorf("consumer stopped")

// ErrNoHandlers is returned by Connect* when called before AddHandler.
var ErrNoHandlers = fmt.Errorf("at least one handler must be added before connecting")

// ErrIdentify wraps a handshake failure, mirroring the teacher's
// conn.go ErrIdentify{Reason string}.
type ErrIdentify struct {
	Reason string
}

func (e ErrIdentify) Error() string {
	return fmt.Sprintf("failed to IDENTIFY - %s", e.Reason)
}

// ErrProtocol indicates an unexpected frame, bad size, or an unknown error
// code returned by the broker. The connection that raised it is closed.
type ErrProtocol struct {
	Reason string
}

func (e ErrProtocol) Error() string {
	return fmt.Sprintf("protocol error - %s", e.Reason)
}

// ErrIO wraps a transport-level read/write/timeout failure. The connection
// that raised it is closed and discovery is signalled to recheck.
type ErrIO struct {
	Op  string
	Err error
}

func (e ErrIO) Error() string {
	return fmt.Sprintf("io error during %s - %s", e.Op, e.Err)
}

func (e ErrIO) Unwrap() error { return e.Err }

// fatalErrorCodes is the whitelist of NSQ error codes that require the
// connection to be closed rather than merely reported.
var fatalErrorCodes = map[string]bool{
	"E_INVALID":     true,
	"E_BAD_TOPIC":   true,
	"E_BAD_CHANNEL": true,
	"E_AUTH_FAILED": true,
}

// isFatalError reports whether the first space-delimited token of an
// Error-frame payload names a fatal NSQ error code.
func isFatalError(data []byte) bool {
	code := data
	for i, b := range data {
		if b == ' ' {
			code = data[:i]
			break
		}
	}
	return fatalErrorCodes[string(code)]
}
