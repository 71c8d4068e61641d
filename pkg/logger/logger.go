// Package logger is the logging facade used across roomsync.
//
// Libraries accept a Logger and never pick an output themselves. The
// roomsyncd binary builds a zerolog-backed one with NewBuild; tests usually
// pass Nop or a slog handler writing to a buffer.
package logger

import "log/slog"

type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// SlogHandler adapts a slog.Logger.
type SlogHandler struct {
	logger *slog.Logger
}

func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

type nop struct{}

func (nop) Error(string, ...any) {}
func (nop) Warn(string, ...any)  {}
func (nop) Info(string, ...any)  {}
func (nop) Debug(string, ...any) {}

// Nop discards everything.
func Nop() Logger {
	return nop{}
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
