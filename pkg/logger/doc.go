// Package logger provides structured logging with configurable log levels.
// It wraps the standard log/slog package and can additionally write to a
// size-rotated file.
package logger
