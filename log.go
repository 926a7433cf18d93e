package nsq

import (
	"fmt"
	"log"
	"os"
)

// Logger is the capability interface the Consumer and its Connections log
// through. *log.Logger satisfies it, matching the plain log.Printf style
// the teacher's conn.go/writer.go use throughout.
type Logger interface {
	Output(calldepth int, s string) error
}

// defaultLogger mirrors the teacher's bare log.Printf usage: a standard
// library logger writing to stderr with no special formatting.
func defaultLogger() Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// logf calls Output with calldepth 2 (the caller of logf), matching the
// convention log.Printf itself uses.
func logf(l Logger, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.Output(2, fmt.Sprintf(format, args...))
}
