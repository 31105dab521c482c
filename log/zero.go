package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ZeroOptions defines the available settings to adjust the behavior
// of a logger instance backed by the `zerolog` library.
type ZeroOptions struct {
	// Whether to print messages in a textual representation. If not enabled
	// messages are logged in a structured (JSON) format by default.
	PrettyPrint bool

	// ErrorField is the field name used to display error messages. If not
	// provided, `error` will be used by default.
	ErrorField string

	// A destination for all produced messages. This can be a file, network
	// connection, or any other element supporting the `io.Writer` interface.
	// If no sink is specified `os.Stderr` will be used by default.
	Sink io.Writer
}

// WithZero provides a log handler using the zerolog library.
func WithZero(options ZeroOptions) Logger {
	if options.Sink == nil {
		options.Sink = os.Stderr
	}
	if options.ErrorField == "" {
		options.ErrorField = "error"
	}
	zerolog.ErrorFieldName = options.ErrorField
	handler := zerolog.New(options.Sink).With().Timestamp().Logger()
	if options.PrettyPrint {
		handler = handler.Output(zerolog.ConsoleWriter{
			Out:        options.Sink,
			TimeFormat: time.RFC3339,
		})
	}
	return &zeroHandler{
		log: handler,
	}
}

type zeroHandler struct {
	mu     sync.Mutex
	log    zerolog.Logger
	lvl    Level
	fields Fields
}

func (zh *zeroHandler) SetLevel(lvl Level) {
	zh.mu.Lock()
	zh.lvl = lvl
	zh.mu.Unlock()
}

func (zh *zeroHandler) Sub(tags Fields) Logger {
	return &zeroHandler{
		log: zh.log.With().Fields(tags).Logger(),
		lvl: zh.lvl,
	}
}

func (zh *zeroHandler) WithFields(fields Fields) Logger {
	zh.mu.Lock()
	zh.fields = fields
	zh.mu.Unlock()
	return zh
}

func (zh *zeroHandler) WithField(key string, value any) Logger {
	zh.mu.Lock()
	if zh.fields == nil {
		zh.fields = Fields{}
	}
	zh.fields[key] = value
	zh.mu.Unlock()
	return zh
}

func (zh *zeroHandler) Debug(args ...any) {
	if zh.lvl > Debug {
		return
	}
	zh.setFields(zh.log.Debug()).Msg(sanitize(args...))
}

func (zh *zeroHandler) Debugf(format string, args ...any) {
	if zh.lvl > Debug {
		return
	}
	zh.setFields(zh.log.Debug()).Msgf(format, args...)
}

func (zh *zeroHandler) Info(args ...any) {
	if zh.lvl > Info {
		return
	}
	zh.setFields(zh.log.Info()).Msg(sanitize(args...))
}

func (zh *zeroHandler) Infof(format string, args ...any) {
	if zh.lvl > Info {
		return
	}
	zh.setFields(zh.log.Info()).Msgf(format, args...)
}

func (zh *zeroHandler) Warning(args ...any) {
	if zh.lvl > Warning {
		return
	}
	zh.setFields(zh.log.Warn()).Msg(sanitize(args...))
}

func (zh *zeroHandler) Warningf(format string, args ...any) {
	if zh.lvl > Warning {
		return
	}
	zh.setFields(zh.log.Warn()).Msgf(format, args...)
}

func (zh *zeroHandler) Error(args ...any) {
	if zh.lvl > Error {
		return
	}
	zh.setFields(zh.log.Error()).Msg(sanitize(args...))
}

func (zh *zeroHandler) Errorf(format string, args ...any) {
	if zh.lvl > Error {
		return
	}
	zh.setFields(zh.log.Error()).Msgf(format, args...)
}

func (zh *zeroHandler) Fatal(args ...any) {
	zh.setFields(zh.log.Fatal()).Msg(sanitize(args...))
}

func (zh *zeroHandler) Fatalf(format string, args ...any) {
	zh.setFields(zh.log.Fatal()).Msgf(format, args...)
}

func (zh *zeroHandler) setFields(ev *zerolog.Event) *zerolog.Event {
	zh.mu.Lock()
	if zh.fields != nil {
		ev.Fields(zh.fields)
		zh.fields = nil
	}
	zh.mu.Unlock()
	return ev
}

// Remove all newlines and carriage returns from logged values.
func sanitize(args ...any) string {
	sv := make([]any, len(args))
	for i, v := range args {
		if vs, ok := v.(string); ok {
			v = strings.ReplaceAll(strings.ReplaceAll(vs, "\n", ""), "\r", "")
		}
		sv[i] = v
	}
	return fmt.Sprint(sv...)
}
