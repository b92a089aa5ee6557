// Package log provides the structured logger used throughout forkwatch.
//
// It wraps log/slog with a terminal handler that colorizes level names when
// its writer is a TTY (the default root logger writes to stderr), and a
// JSON handler that callers install with SetDefault. Every
// subsystem derives a named child logger with With("component", name)
// instead of using string-prefixed fmt.Printf calls.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

type Level int

const (
	LevelTrace Level = iota - 1
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCrit:
		return "CRIT"
	default:
		return "????"
	}
}

func (l Level) slog() slog.Level {
	return slog.Level(l) * 4
}

// Logger is the interface used by every package in forkwatch. It never
// returns an error: logging must never be a reason a caller fails.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	With(ctx ...any) Logger
}

type logger struct {
	inner *slog.Logger
}

func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) write(level slog.Level, msg string, ctx []any) {
	l.inner.Log(context.Background(), level, msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.write(LevelTrace.slog(), msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.write(LevelDebug.slog(), msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.write(LevelInfo.slog(), msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.write(LevelWarn.slog(), msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.write(LevelError.slog(), msg, ctx) }
func (l *logger) Crit(msg string, ctx ...any)  { l.write(LevelCrit.slog(), msg, ctx) }

func (l *logger) With(ctx ...any) Logger {
	return &logger{inner: l.inner.With(ctx...)}
}

var (
	rootMu sync.Mutex
	root   Logger = NewLogger(NewTerminalHandler(os.Stderr))
)

// Root returns the process-wide default logger.
func Root() Logger {
	rootMu.Lock()
	defer rootMu.Unlock()
	return root
}

// SetDefault replaces the process-wide default logger, e.g. to switch to
// the JSON handler in production or to attach a lumberjack-backed file
// sink.
func SetDefault(l Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = l
}

func Trace(msg string, ctx ...any) { Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { Root().Crit(msg, ctx...) }

// terminalHandler renders "LEVEL [01-02|15:04:05.000] msg key=val ..."
// lines, colorizing the level when the underlying writer is a color
// terminal.
type terminalHandler struct {
	mu     sync.Mutex
	wr     io.Writer
	color  bool
	attrs  []slog.Attr
	groups []string
}

func NewTerminalHandler(wr io.Writer) slog.Handler {
	color := false
	if f, ok := wr.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
	}
	return &terminalHandler{wr: colorable.NewColorable(fileOrStderr(wr)), color: color}
}

func NewTerminalHandlerWithLevel(wr io.Writer, _ Level, color bool) slog.Handler {
	return &terminalHandler{wr: wr, color: color}
}

func fileOrStderr(wr io.Writer) *os.File {
	if f, ok := wr.(*os.File); ok {
		return f
	}
	return os.Stderr
}

func (h *terminalHandler) Enabled(context.Context, slog.Level) bool { return true }

var levelColor = map[Level]string{
	LevelTrace: "\x1b[90m",
	LevelDebug: "\x1b[36m",
	LevelInfo:  "\x1b[32m",
	LevelWarn:  "\x1b[33m",
	LevelError: "\x1b[31m",
	LevelCrit:  "\x1b[35m",
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	lvl := Level(r.Level / 4)
	levelStr := lvl.String()
	if h.color {
		if c, ok := levelColor[lvl]; ok {
			levelStr = c + levelStr + "\x1b[0m"
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-5s [%s] %s", levelStr, r.Time.Format("01-02|15:04:05.000"), r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')

	_, err := io.WriteString(h.wr, b.String())
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &terminalHandler{wr: h.wr, color: h.color, groups: h.groups}
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return n
}

func (h *terminalHandler) WithGroup(name string) slog.Handler {
	n := &terminalHandler{wr: h.wr, color: h.color, attrs: h.attrs}
	n.groups = append(append([]string{}, h.groups...), name)
	return n
}

// JSONHandler returns a slog.Handler that emits one JSON object per line,
// used in non-interactive (non-TTY) deployments.
func JSONHandler(wr io.Writer) slog.Handler {
	return slog.NewJSONHandler(wr, &slog.HandlerOptions{
		Level: slog.Level(LevelTrace.slog()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				lvl := Level(a.Value.Any().(slog.Level) / 4)
				a.Value = slog.StringValue(lvl.String())
			}
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	})
}

// GlogHandler adds runtime-adjustable verbosity on top of another handler,
// mirroring the teacher's vmodule/verbosity knob used from CLI flags.
type GlogHandler struct {
	mu    sync.Mutex
	inner slog.Handler
	level slog.Level
}

func NewGlogHandler(inner slog.Handler) *GlogHandler {
	return &GlogHandler{inner: inner, level: LevelInfo.slog()}
}

func (g *GlogHandler) Verbosity(l Level) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.level = l.slog()
}

func (g *GlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return level >= g.level
}

func (g *GlogHandler) Handle(ctx context.Context, r slog.Record) error {
	return g.inner.Handle(ctx, r)
}

func (g *GlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GlogHandler{inner: g.inner.WithAttrs(attrs), level: g.level}
}

func (g *GlogHandler) WithGroup(name string) slog.Handler {
	return &GlogHandler{inner: g.inner.WithGroup(name), level: g.level}
}
