// Package logger provides the process-wide structured logger and the
// per-connection correlation that makes proxy logs followable: every
// worker tags its records with the connection id minted at accept time
// (see WithConn), so one client's handshake, relay and shutdown lines
// can be grepped out of the interleaved output.
//
// The implementation rides on log/slog. The active logger lives behind
// an atomic pointer; the level is a shared slog.LevelVar, so SetLevel
// never rebuilds handlers and fetching the active logger takes no lock;
// the text handler serializes only its writes.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Config holds logger configuration
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

// sink is the rebuild-time state: where records go and how they are
// rendered. Guarded by sinkMu; the built logger is published through
// active.
type sink struct {
	w      io.Writer
	format string
	color  bool
}

var (
	sinkMu  sync.Mutex
	current sink

	// level is shared by every handler ever built, so SetLevel takes
	// effect without a rebuild.
	level slog.LevelVar

	active atomic.Pointer[slog.Logger]
)

func init() {
	current = sink{w: os.Stderr, format: "text", color: isTerminal(os.Stderr.Fd())}
	rebuild()
}

// rebuild constructs a logger for the current sink and publishes it.
// Callers other than init hold sinkMu.
func rebuild() {
	opts := &slog.HandlerOptions{Level: &level}
	var h slog.Handler
	if current.format == "json" {
		h = slog.NewJSONHandler(current.w, opts)
	} else {
		h = newTextHandler(current.w, &level, current.color)
	}
	active.Store(slog.New(h))
}

// parseLevel maps a config string onto a slog level. ok is false for
// unknown names, which callers ignore rather than fail on.
func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

// Init applies the loaded configuration. Output can be "stdout",
// "stderr", or a file path; files never get color.
func Init(cfg Config) error {
	sinkMu.Lock()
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		current.w = os.Stderr
		current.color = isTerminal(os.Stderr.Fd())
	case "stdout":
		current.w = os.Stdout
		current.color = isTerminal(os.Stdout.Fd())
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			sinkMu.Unlock()
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		current.w = f
		current.color = false
	}
	if f := strings.ToLower(cfg.Format); f == "text" || f == "json" {
		current.format = f
	}
	rebuild()
	sinkMu.Unlock()

	SetLevel(cfg.Level)
	return nil
}

// InitWithWriter points the logger at a custom writer. Primarily for
// tests.
func InitWithWriter(w io.Writer, levelName, format string, enableColor bool) {
	sinkMu.Lock()
	current.w = w
	current.color = enableColor
	if f := strings.ToLower(format); f == "text" || f == "json" {
		current.format = f
	}
	rebuild()
	sinkMu.Unlock()

	SetLevel(levelName)
}

// SetLevel sets the minimum log level; unknown names are ignored.
func SetLevel(name string) {
	if l, ok := parseLevel(name); ok {
		level.Set(l)
	}
}

// SetFormat switches between text and json output; unknown formats are
// ignored.
func SetFormat(format string) {
	f := strings.ToLower(format)
	if f != "text" && f != "json" {
		return
	}
	sinkMu.Lock()
	current.format = f
	rebuild()
	sinkMu.Unlock()
}

// Debug logs at debug level with structured fields.
// Usage: Debug("message", "key1", value1, "key2", value2)
func Debug(msg string, args ...any) {
	active.Load().Debug(msg, args...)
}

// Info logs at info level with structured fields.
func Info(msg string, args ...any) {
	active.Load().Info(msg, args...)
}

// Warn logs at warn level with structured fields.
func Warn(msg string, args ...any) {
	active.Load().Warn(msg, args...)
}

// Error logs at error level with structured fields.
func Error(msg string, args ...any) {
	active.Load().Error(msg, args...)
}
