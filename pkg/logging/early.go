package logging

import (
	"fmt"
	"io"
	"os"
	"time"
)

// EarlyLog reports startup failures that happen before the config, and so
// the structured logger, is available.
type EarlyLog struct {
	service string
	out     io.Writer
	now     func() time.Time
}

func NewEarlyLog(service string) *EarlyLog {
	return &EarlyLog{service: service, out: os.Stderr, now: time.Now}
}

func (l *EarlyLog) Error(format string, args ...interface{}) {
	fmt.Fprintf(l.out, "%s error [%s] %s\n", l.now().UTC().Format(time.RFC3339), l.service, fmt.Sprintf(format, args...))
}
