// Package logger is a small slog facade shared by remctld, remctl, and
// remctl-shell: package-level Init/SetLevel/SetFormat configure a single
// process-wide logger, and the Debug/Info/Warn/Error (and *Ctx) functions
// log through it with remctl's session fields pre-wired.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config is the logging section of the process-level configuration (spec
// ambient stack — distinct from the remctl.conf rule grammar).
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	currentLevel  atomic.Int32
	currentFormat atomic.Value

	mu      sync.RWMutex
	slogger *slog.Logger
	output  io.Writer = os.Stderr
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	currentFormat.Store("text")
	reconfigure()
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func reconfigure() {
	mu.Lock()
	defer mu.Unlock()

	levelVar := new(slog.LevelVar)
	levelVar.Set(toSlogLevel(Level(currentLevel.Load())))
	opts := &slog.HandlerOptions{Level: levelVar}

	format, _ := currentFormat.Load().(string)
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	slogger = slog.New(handler)
}

// Init applies the logging section of a loaded process configuration.
func Init(cfg Config) error {
	if cfg.Output != "" {
		mu.Lock()
		switch strings.ToLower(cfg.Output) {
		case "stdout":
			output = os.Stdout
		case "stderr", "":
			output = os.Stderr
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				mu.Unlock()
				return fmt.Errorf("logger: open %q: %w", cfg.Output, err)
			}
			output = f
		}
		mu.Unlock()
	}
	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	if cfg.Format != "" {
		SetFormat(cfg.Format)
	}
	return nil
}

// InitWithWriter is the test-oriented entry point: logs go to w with no
// file-lifecycle handling.
func InitWithWriter(w io.Writer, level, format string) {
	mu.Lock()
	output = w
	mu.Unlock()
	if level != "" {
		SetLevel(level)
	}
	if format != "" {
		SetFormat(format)
	}
}

func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(LevelError))
	default:
		return
	}
	reconfigure()
}

func SetFormat(format string) {
	format = strings.ToLower(format)
	if format != "text" && format != "json" {
		return
	}
	currentFormat.Store(format)
	reconfigure()
}

func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func Debug(msg string, args ...any) {
	if LevelDebug >= Level(currentLevel.Load()) {
		getLogger().Debug(msg, args...)
	}
}

func Info(msg string, args ...any) {
	if LevelInfo >= Level(currentLevel.Load()) {
		getLogger().Info(msg, args...)
	}
}

func Warn(msg string, args ...any) {
	if LevelWarn >= Level(currentLevel.Load()) {
		getLogger().Warn(msg, args...)
	}
}

func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

func DebugCtx(ctx context.Context, msg string, args ...any) {
	Debug(msg, appendContextFields(ctx, args)...)
}

func InfoCtx(ctx context.Context, msg string, args ...any) {
	Info(msg, appendContextFields(ctx, args)...)
}

func WarnCtx(ctx context.Context, msg string, args ...any) {
	Warn(msg, appendContextFields(ctx, args)...)
}

func ErrorCtx(ctx context.Context, msg string, args ...any) {
	Error(msg, appendContextFields(ctx, args)...)
}

func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	ctxArgs := make([]any, 0, 8+len(args))
	if lc.SessionID != "" {
		ctxArgs = append(ctxArgs, KeySessionID, lc.SessionID)
	}
	if lc.Principal != "" {
		ctxArgs = append(ctxArgs, KeyPrincipal, lc.Principal)
	}
	if lc.RemoteAddr != "" {
		ctxArgs = append(ctxArgs, KeyRemoteAddr, lc.RemoteAddr)
	}
	if lc.Command != "" {
		ctxArgs = append(ctxArgs, KeyCommand, lc.Command)
	}
	return append(ctxArgs, args...)
}

// With returns a *slog.Logger carrying pre-bound attributes.
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}
