package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu         sync.RWMutex
	logger     zerolog.Logger
	loggerOnce sync.Once
)

// initLogger initializes the global logger to write JSON lines to stderr.
func initLogger() {
	loggerOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		logger = newLogger(os.Stderr).Level(zerolog.InfoLevel)
	})
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("service", "signage").Logger()
}

// SetLevel accepts DEBUG/INFO/WARN/ERROR in any case. Unknown values are
// ignored and the current level is kept.
func SetLevel(l string) {
	initLogger()
	var zl zerolog.Level
	switch Level(strings.ToUpper(strings.TrimSpace(l))) {
	case LevelDebug:
		zl = zerolog.DebugLevel
	case LevelInfo:
		zl = zerolog.InfoLevel
	case LevelWarn:
		zl = zerolog.WarnLevel
	case LevelError:
		zl = zerolog.ErrorLevel
	default:
		return
	}
	mu.Lock()
	logger = logger.Level(zl)
	mu.Unlock()
}

// SetOutput redirects log output, keeping the current level. Tests use it
// to capture or silence logs.
func SetOutput(w io.Writer) {
	initLogger()
	mu.Lock()
	logger = newLogger(w).Level(logger.GetLevel())
	mu.Unlock()
}

func Debug(msg string, kv ...any) {
	emit(current().Debug(), msg, kv...)
}

func Info(msg string, kv ...any) {
	emit(current().Info(), msg, kv...)
}

func Warn(msg string, kv ...any) {
	emit(current().Warn(), msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	emit(current().Error().Err(err), msg, kv...)
}

func current() *zerolog.Logger {
	initLogger()
	mu.RLock()
	l := logger
	mu.RUnlock()
	return &l
}

func emit(ev *zerolog.Event, msg string, kv ...any) {
	if ev == nil {
		return
	}
	// Expect kv as pairs: key, value, key, value, ...
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

// RedactURL keeps scheme and host of u and hides the rest.
//
//	https://cfp.example.org/api/conferences/X/speakers
//	-> https://cfp.example.org/...
func RedactURL(u string) string {
	i := strings.Index(u, "://")
	if i == -1 {
		return "...(redacted)"
	}
	j := i + 3
	for j < len(u) && u[j] != '/' {
		j++
	}
	if j == len(u) {
		return u
	}
	return u[:j] + "/..."
}
