// Package plog is the application's logging sink. It wraps log/slog with a
// fixed set of levels, splits console output between stdout and stderr, and
// can mirror every record into a size-capped log file.
package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Levels understood by the logger. Notice sits between Debug and Info and is
// used for per-file actions that are too noisy for Info.
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

var levelNames = map[slog.Level]string{
	LevelNotice: "NOTICE",
}

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. Records below Warn go to one handler,
// Warn and above go to another. When a file handler is set, every record is
// also written there.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
	fileHandler   slog.Handler
}

// Enabled checks if the level is enabled for any of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.fileHandler != nil && h.fileHandler.Enabled(ctx, level) {
		return true
	}
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.fileHandler != nil && h.fileHandler.Enabled(ctx, r.Level) {
		// The file sink must never break console logging.
		_ = h.fileHandler.Handle(ctx, r.Clone())
	}
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	if quietMode.Load() && r.Level < slog.LevelWarn {
		return nil
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
	if h.fileHandler != nil {
		n.fileHandler = h.fileHandler.WithAttrs(attrs)
	}
	return n
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	n := &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
	if h.fileHandler != nil {
		n.fileHandler = h.fileHandler.WithGroup(name)
	}
	return n
}

var (
	mu            sync.Mutex
	defaultLogger atomic.Pointer[slog.Logger]
	level         = new(slog.LevelVar)
	quietMode     atomic.Bool
	errorCount    atomic.Int64

	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
	file   *RotatingFile
)

func init() {
	rebuild()
}

func handlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					if name, ok := levelNames[lvl]; ok {
						a.Value = slog.StringValue(name)
					}
				}
			}
			return a
		},
	}
}

// rebuild must be called with mu held (or from init).
func rebuild() {
	opts := handlerOptions()
	h := &LevelDispatchHandler{
		stdoutHandler: slog.NewTextHandler(stdout, opts),
		stderrHandler: slog.NewTextHandler(stderr, opts),
	}
	if file != nil {
		// The file always records at least Info, independent of the console level.
		fileOpts := handlerOptions()
		fileOpts.Level = fileLeveler{}
		h.fileHandler = slog.NewTextHandler(file, fileOpts)
	}
	defaultLogger.Store(slog.New(h))
}

// fileLeveler caps the file sink at Info unless the console is more verbose.
type fileLeveler struct{}

func (fileLeveler) Level() slog.Level {
	return min(level.Level(), LevelInfo)
}

// SetOutput redirects all console output, regardless of level, to w.
// It is primarily used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	quietMode.Store(false)
	stdout, stderr = w, w
	rebuild()
}

// SetLevel sets the minimum level of records that are written.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// LevelFromString maps a level name to a slog.Level, defaulting to Info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetQuiet enables or disables quiet mode. In quiet mode only warnings and
// errors reach the console; the log file is unaffected.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

// IsQuiet returns true if the global logger is in quiet mode.
func IsQuiet() bool {
	return quietMode.Load()
}

// EnableFile mirrors every record to a rotating log file at path. The file
// never grows beyond maxBytes; on rotation the oldest half is discarded
// (or archived next to it when archive is true).
func EnableFile(path string, maxBytes int64, archive bool) error {
	rf, err := OpenRotatingFile(path, maxBytes, archive)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		_ = file.Close()
	}
	file = rf
	rebuild()
	return nil
}

// CloseFile detaches and closes the log file sink, if any.
func CloseFile() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	rebuild()
	return err
}

// ErrorCount returns how many records were logged at Error level.
func ErrorCount() int64 {
	return errorCount.Load()
}

// ResetErrorCount zeroes the error counter at the start of a run.
func ResetErrorCount() {
	errorCount.Store(0)
}

// Logger returns the current logger, e.g. to derive one With(...) attributes.
func Logger() *slog.Logger {
	return defaultLogger.Load()
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	defaultLogger.Load().Log(context.Background(), LevelDebug, msg, args...)
}

// Notice logs a message about a single item of work (a copied file, a created directory).
func Notice(msg string, args ...any) {
	defaultLogger.Load().Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	defaultLogger.Load().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	defaultLogger.Load().Warn(msg, args...)
}

// Error logs an error message and counts it.
func Error(msg string, args ...any) {
	errorCount.Add(1)
	defaultLogger.Load().Error(msg, args...)
}
