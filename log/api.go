package log

// Fields provides additional contextual information on logs;
// particularly useful for structured messages.
type Fields = map[string]any

// Level values assign a severity value to logged messages.
type Level uint

const (
	// Debug level should be use for information broadly interesting to developers
	// and system administrators. Might include minor (recoverable) failures and
	// issues indicating potential performance problems.
	Debug Level = 0

	// Info level should be used for informational messages that might make sense
	// to end users and system administrators, and highlight the progress of the
	// application.
	Info Level = 1

	// Warning level should be used for potentially harmful situations of interest
	// to end users or system managers that indicate potential problems.
	Warning Level = 2

	// Error events of considerable importance that will prevent normal program
	// execution, but might still allow the application to continue running.
	Error Level = 3

	// Fatal level should be used for very severe error events that WILL cause the
	// application to terminate. Usually by calling os.Exit(1) after logging.
	Fatal Level = 4
)

// String returns a textual representation of a level value.
func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "invalid-level"
	}
}

// Logger defines the requirements of the log handler as a minimal
// interface to allow for easy customization and prevent hard dependencies
// on a specific implementation.
type Logger interface {
	// Debug logs a basic 'debug' level message.
	Debug(args ...any)

	// Debugf logs a formatted 'debug' level message.
	Debugf(format string, args ...any)

	// Info logs a basic 'info' level message.
	Info(args ...any)

	// Infof logs a formatted 'info' level message.
	Infof(format string, args ...any)

	// Warning logs a 'warning' level message.
	Warning(args ...any)

	// Warningf logs a formatted 'warning' level message.
	Warningf(format string, args ...any)

	// Error logs an 'error' level message.
	Error(args ...any)

	// Errorf logs a formatted 'error' level message.
	Errorf(format string, args ...any)

	// Fatal logs a 'fatal' level message.
	// Very severe error events that WILL cause the application to terminate.
	Fatal(args ...any)

	// Fatalf logs a formatted 'fatal' level message.
	Fatalf(format string, args ...any)

	// WithFields adds additional tags to a message to support structured logging.
	// This method should be chained with any print-style message.
	// For example: log.WithFields(fields).Debug("message")
	WithFields(fields Fields) Logger

	// WithField adds a key/value pair to the next chained message.
	// log.WithField("foo", "bar").Debug("message")
	WithField(key string, value any) Logger

	// SetLevel adjust the "verbosity" of the logger instance. Once a level is set,
	// all messages from "lower" levels will be discarded.
	SetLevel(lvl Level)

	// Sub returns a new logger instance using the provided tags. Every message
	// generated by the sub-logger will include the fields set on `tags`.
	Sub(tags Fields) Logger
}
