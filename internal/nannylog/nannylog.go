/*
Package nannylog is the message log for the daemon proper. (Okay, technically just for the
dispatcher and main; every other package returns errors and leaves the logging to its caller.)

A Logger writes to one of two backends: a plain io.Writer (normally stderr) where each line is
prefixed with the program name, or syslog. Debug messages are gated by a verbosity level so the
usual production setting of zero costs nothing but a comparison.
*/
package nannylog

import (
	"fmt"
	"io"
	"log/syslog"
	"strings"
	"sync"
)

// backend is where formatted lines ultimately go. Backends are swapped at most a couple of times
// at program start so a simple interface suffices.
type backend interface {
	log(priority syslog.Priority, msg string)
	close()
}

type writerBackend struct {
	progName string
	out      io.Writer
}

func (t *writerBackend) log(priority syslog.Priority, msg string) {
	fmt.Fprintf(t.out, "%s: %s\n", t.progName, msg)
}

// We never close the underlying writer as that might close, oh, stderr on us. Bad!
func (t *writerBackend) close() {}

type syslogBackend struct {
	w *syslog.Writer
}

func (t *syslogBackend) log(priority syslog.Priority, msg string) {
	switch priority {
	case syslog.LOG_ALERT:
		t.w.Alert(msg)
	case syslog.LOG_WARNING:
		t.w.Warning(msg)
	case syslog.LOG_ERR:
		t.w.Err(msg)
	case syslog.LOG_DEBUG:
		t.w.Debug(msg)
	default:
		t.w.Info(msg)
	}
}

func (t *syslogBackend) close() {
	t.w.Close()
}

// zapNULs replaces NUL bytes so a hostile remote end cannot smuggle string terminators into
// syslog.
func zapNULs(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.Join(strings.Split(s, "\x00"), `\0`)
}

// Logger routes messages to the current backend. It is safe for concurrent use, though in practice
// only the dispatcher go-routine logs once the daemon is up.
type Logger struct {
	mu         sync.Mutex
	progName   string
	debugLevel int
	be         backend
}

// New constructs a Logger writing to 'out' with the supplied program name prefix.
func New(out io.Writer, progName string) *Logger {
	return &Logger{progName: progName, be: &writerBackend{progName: progName, out: out}}
}

// SetProgName changes the log line prefix (and the syslog ident used by any later UseSyslog call).
func (t *Logger) SetProgName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progName = name
	if wb, ok := t.be.(*writerBackend); ok {
		wb.progName = name
	}
}

// SetDebugLevel sets the threshold below which Debug() calls are discarded.
func (t *Logger) SetDebugLevel(level int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.debugLevel = level
}

// UseSyslog switches the backend to syslog with facility daemon. All subsequent messages, fatal
// ones included, emerge through syslog.
func (t *Logger) UseSyslog() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, t.progName)
	if err != nil {
		return err
	}
	t.be.close()
	t.be = &syslogBackend{w: w}

	return nil
}

// UseWriter switches the backend to a plain writer. Mostly of use to tests.
func (t *Logger) UseWriter(out io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.be.close()
	t.be = &writerBackend{progName: t.progName, out: out}
}

func (t *Logger) log(priority syslog.Priority, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.be.log(priority, zapNULs(msg))
}

// Warn logs a warning-severity message.
func (t *Logger) Warn(msg string) {
	t.log(syslog.LOG_WARNING, msg)
}

// Error logs an error-severity message.
func (t *Logger) Error(msg string) {
	t.log(syslog.LOG_ERR, msg)
}

// Report logs an info-severity message. Connection summaries and status reports come through here.
func (t *Logger) Report(msg string) {
	t.log(syslog.LOG_INFO, msg)
}

// Debug logs a debug message if the current debug level is at least 'level'.
func (t *Logger) Debug(level int, msg string) {
	t.mu.Lock()
	gated := t.debugLevel < level
	t.mu.Unlock()
	if gated {
		return
	}
	t.log(syslog.LOG_DEBUG, msg)
}
