package tui

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	traceOnce sync.Once
	tracer    logrus.FieldLogger
)

// eventTracer returns the logger that traces every emitted event, or nil
// when tracing is off. DOSIMG_TUI_DEBUG=1 traces to stderr. Any other
// non-empty value names a file to append to, which stays readable while the
// interactive view owns the terminal.
func eventTracer() logrus.FieldLogger {
	traceOnce.Do(func() {
		dest := os.Getenv("DOSIMG_TUI_DEBUG")
		if dest == "" {
			return
		}
		l := logrus.New()
		l.SetLevel(logrus.DebugLevel)
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
		if dest != "1" {
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				fmt.Fprintf(os.Stderr, "tui: event trace disabled: %v\n", err)
				return
			}
			l.SetOutput(f)
		}
		tracer = l.WithField("component", "tui")
	})
	return tracer
}
