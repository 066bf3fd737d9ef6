package engine

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the engine's internal diagnostic logging surface, kept
// separate from the eventstream.Stream push channel: Logger is for
// operators, the event stream is for workflow consumers. Grounded on the
// zerolog structured-logging convention used across the retrieved pack
// (mindersec-minder, etc.) rather than its bare log.Printf
// calls, since zerolog is the ambient logging stack for this module.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger builds a Logger writing structured JSON to stderr at info
// level.
func NewLogger() Logger {
	return Logger{zl: zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()}
}

func (l Logger) Info(msg string, kv map[string]any) {
	evt := l.zl.Info()
	for k, v := range kv {
		evt = evt.Interface(k, v)
	}
	evt.Msg(msg)
}

func (l Logger) Error(msg string, err error, kv map[string]any) {
	evt := l.zl.Error().Err(err)
	for k, v := range kv {
		evt = evt.Interface(k, v)
	}
	evt.Msg(msg)
}

func (l Logger) Debug(msg string, kv map[string]any) {
	evt := l.zl.Debug()
	for k, v := range kv {
		evt = evt.Interface(k, v)
	}
	evt.Msg(msg)
}
