package revtun

import (
	"fmt"
	"log"
	"os"
)

// LogLevel specifies the level of spew that should go to the log.
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its behavior is
	// undefined.
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic.
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1).
	LogLevelFatal

	// LogLevelError is for unexpected error messages.
	LogLevelError

	// LogLevelWarning is for warning messages.
	LogLevelWarning

	// LogLevelInfo is for info messages.
	LogLevelInfo

	// LogLevelDebug is for debug messages.
	LogLevelDebug
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug",
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelDebug {
		return logLevelNames[LogLevelUnknown]
	}
	return logLevelNames[x]
}

// Logger is the leveled, prefix-forking logging component used by every
// link, pool and server in this package. Trimmed to the subset of the
// teacher's fuller Logger interface (no TLogf/Sprint/Sprintf/Print/Prefix/
// Log/Logf/GetLogLevel/SetLogLevel/StringToLogLevel, none of which this
// module ever calls) that this package actually drives.
type Logger interface {
	// Panic logs at LogLevelPanic then panics. Used by ShutdownHelper to
	// flag a programming error (resumeShutdown called without a matching
	// pause).
	Panic(args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})

	// Errorf formats a message with this logger's prefix and returns it as
	// an error, without logging it.
	Errorf(f string, args ...interface{}) error

	// Fork returns a new Logger with prefix appended to this logger's own
	// prefix, sharing its log level and output stream.
	Fork(prefix string) Logger
}

// BasicLogger is a logical log output stream with a level filter and a
// prefix added to each output record.
type BasicLogger struct {
	prefix   string
	prefixC  string
	logger   *log.Logger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a new Logger with a given prefix, emitting to os.Stderr.
func NewLogger(prefix string, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		logger:   log.New(os.Stderr, "", defaultLogFlags),
		logLevel: logLevel,
	}
}

func (l *BasicLogger) sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// logf prints msg, formatted and prefixed, iff logLevel is enabled, then
// applies logLevel's side effect (exit on Fatal, panic on Panic).
func (l *BasicLogger) logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel > l.logLevel && logLevel > LogLevelFatal {
		return
	}
	msg := l.sprintf(f, args...)
	l.logger.Print(msg)
	switch logLevel {
	case LogLevelFatal:
		os.Exit(1)
	case LogLevelPanic:
		panic(msg)
	}
}

// Panic logs then panics.
func (l *BasicLogger) Panic(args ...interface{}) { l.logf(LogLevelPanic, fmt.Sprint(args...)) }

// ELogf logs at LogLevelError.
func (l *BasicLogger) ELogf(f string, args ...interface{}) { l.logf(LogLevelError, f, args...) }

// WLogf logs at LogLevelWarning.
func (l *BasicLogger) WLogf(f string, args ...interface{}) { l.logf(LogLevelWarning, f, args...) }

// ILogf logs at LogLevelInfo.
func (l *BasicLogger) ILogf(f string, args ...interface{}) { l.logf(LogLevelInfo, f, args...) }

// DLogf logs at LogLevelDebug.
func (l *BasicLogger) DLogf(f string, args ...interface{}) { l.logf(LogLevelDebug, f, args...) }

// Errorf returns an error with this logger's prefix.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return fmt.Errorf("%s", l.sprintf(f, args...))
}

// Fork creates a new Logger with an additional prefix segment appended.
// prefix is appended verbatim after "<parent>: ", matching the existing
// call convention of passing prefixes with their own trailing ": "
// (e.g. Fork("pool: ")).
func (l *BasicLogger) Fork(prefix string) Logger {
	newPrefix := fmt.Sprintf("%s: %s", l.prefix, prefix)
	prefixC := newPrefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   newPrefix,
		prefixC:  prefixC,
		logger:   l.logger,
		logLevel: l.logLevel,
	}
}
