package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (selected device, errors, fatal signals)
	LevelLive    = 2 // Live info (state transitions, captures)
	LevelVerbose = 3 // Verbose (request parameters, frame matching)
	LevelTrace   = 4 // Trace (every image/frame callback, GPIO)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger *slog.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (device selection, failures)
// 2 = live info (session state, captures)
// 3 = verbose (request parameters, matching details)
// 4 = trace (frame callbacks, GPIO)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects log output, e.g. to mirror it to SSE clients.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

func rebuild() {
	if level <= LevelOff {
		logger = nil
		return
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With("app", "shutterbridge")
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func emit(minLevel int, sl slog.Level, msg string, attrs ...any) {
	mu.RLock()
	l := logger
	ok := level >= minLevel
	mu.RUnlock()
	if ok && l != nil {
		l.Log(context.Background(), sl, msg, attrs...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...any) {
	emit(LevelInfo, slog.LevelInfo, fmt.Sprintf(format, args...))
}

// Value prints a named value (level 1).
func Value(name string, value any) {
	emit(LevelInfo, slog.LevelInfo, "value", "name", name, "value", value)
}

// Error prints a debug error (level 1+).
func Error(err error) {
	if err == nil {
		return
	}
	emit(LevelInfo, slog.LevelError, err.Error())
}

// Warn prints a recoverable problem (level 1).
func Warn(format string, args ...any) {
	emit(LevelInfo, slog.LevelWarn, fmt.Sprintf(format, args...))
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...any) {
	emit(LevelLive, slog.LevelInfo, fmt.Sprintf(format, args...))
}

// Transition prints a session state change (level 2).
func Transition(from, to fmt.Stringer) {
	emit(LevelLive, slog.LevelInfo, "session state", "from", from.String(), "to", to.String())
}

// Shot prints a completed still capture (level 2).
func Shot(timestamp int64, frame int64, orientation int) {
	emit(LevelLive, slog.LevelInfo, "still captured", "timestamp", timestamp, "frame", frame, "orientation", orientation)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...any) {
	emit(LevelVerbose, slog.LevelDebug, fmt.Sprintf(format, args...))
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v any) {
	emit(LevelVerbose, slog.LevelDebug, name, "value", fmt.Sprintf("%+v", v))
}

// Section prints a section marker (level 3).
func Section(name string) {
	emit(LevelVerbose, slog.LevelDebug, "── "+name+" ──")
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	emit(LevelVerbose, slog.LevelDebug, description, "step", num)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...any) {
	emit(LevelTrace, slog.LevelDebug, fmt.Sprintf(format, args...))
}

// Frame prints an image or result callback (level 4).
func Frame(source string, timestamp int64) {
	emit(LevelTrace, slog.LevelDebug, "frame", "source", source, "timestamp", timestamp)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value any) {
	emit(LevelTrace, slog.LevelDebug, "gpio", "op", operation, "pin", pin, "value", value)
}
