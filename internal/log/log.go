package log

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var (
	logger     zerolog.Logger
	loggerOnce sync.Once
	mu         sync.RWMutex
)

// initLogger initializes the global logger to write to stderr with timestamps.
func initLogger() {
	loggerOnce.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
		logger = zerolog.New(os.Stderr).With().
			Str("service", "recurd").
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel)
	})
}

// SetOutput redirects log output. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Output(w)
}

func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Level(toZerolog(l))
}

// ParseLevel maps a config string onto a Level; unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, "debug":
		return LevelDebug
	case LevelError, "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	event(LevelDebug).Fields(fields(kv)).Msg(msg)
}

func Info(msg string, kv ...any) {
	event(LevelInfo).Fields(fields(kv)).Msg(msg)
}

func Error(msg string, err error, kv ...any) {
	event(LevelError).Err(err).Fields(fields(kv)).Msg(msg)
}

func event(level Level) *zerolog.Event {
	initLogger()
	mu.RLock()
	l := logger
	mu.RUnlock()

	switch level {
	case LevelDebug:
		return l.Debug()
	case LevelError:
		return l.Error()
	default:
		return l.Info()
	}
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// fields converts key, value, key, value... into a map. Non-string keys are
// skipped and a trailing odd value is ignored.
func fields(kv []any) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[key] = kv[i+1]
	}
	return out
}
