package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/comigor/charchat-go/internal/config"
)

var levelVar = new(slog.LevelVar)

var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// Setup applies the log configuration to L. When cfg.File is set, records go
// to stdout and to a size-rotated file. The returned closer releases the file.
func Setup(cfg config.LogConfig) io.Closer {
	SetLevel(cfg.Level)

	if cfg.File == "" {
		return nopCloser{}
	}

	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	L = slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stdout, rotated), &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(L)
	return rotated
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Truncate shortens s to at most n runes for log output.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
