package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures the rotated log file written next to stdout.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func New(lvl string, addSource bool, enviroment string) *slog.Logger {
	return newLogger(os.Stdout, lvl, addSource, enviroment)
}

// NewWithFile tees log output into a lumberjack-rotated file. An empty path
// behaves like New. The returned closer releases the file.
func NewWithFile(lvl string, addSource bool, enviroment string, file FileOptions) (*slog.Logger, io.Closer) {
	if file.Path == "" {
		return New(lvl, addSource, enviroment), io.NopCloser(nil)
	}

	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   file.Compress,
	}

	return newLogger(io.MultiWriter(os.Stdout, rotator), lvl, addSource, enviroment), rotator
}

func newLogger(w io.Writer, lvl string, addSource bool, enviroment string) *slog.Logger {

	level := parseLevel(lvl)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}
	var handler slog.Handler

	if strings.ToLower(enviroment) == "prod" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With(
		slog.String("environment", enviroment),
	)
}

func parseLevel(level string) slog.Level {

	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
