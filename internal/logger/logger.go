// Package logger is the leveled logging facade used by boardmon components.
// Components take a Logger so tests can capture or discard output.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// DebugEnv enables debug output when set to any non-empty value.
const DebugEnv = "BOARDMON_DEBUG"

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type envLogger struct {
	prefix string
}

// New returns a logger writing through the standard log package. The prefix
// is prepended to all messages (e.g. "[monitor]").
func New(prefix string) Logger {
	return &envLogger{prefix: strings.TrimSpace(prefix)}
}

func (l *envLogger) line(level, format string) string {
	if l.prefix == "" {
		return level + format
	}
	return l.prefix + " " + level + format
}

func (l *envLogger) Debug(format string, args ...any) {
	if os.Getenv(DebugEnv) != "" {
		log.Printf(l.line("DEBUG: ", format), args...)
	}
}

func (l *envLogger) Info(format string, args ...any) {
	log.Printf(l.line("", format), args...)
}

func (l *envLogger) Warn(format string, args ...any) {
	log.Printf(l.line("WARN: ", format), args...)
}

func (l *envLogger) Error(format string, args ...any) {
	log.Printf(l.line("ERROR: ", format), args...)
}

type noopLogger struct{}

// Noop discards everything.
func Noop() Logger {
	return noopLogger{}
}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type Message struct {
	Level   string
	Message string
}

// BufferLogger captures messages for test assertions. Safe for concurrent use.
type BufferLogger struct {
	mu       sync.Mutex
	messages []Message
}

func NewBufferLogger() *BufferLogger {
	return &BufferLogger{}
}

func (l *BufferLogger) add(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, Message{Level: level, Message: fmt.Sprintf(format, args...)})
}

func (l *BufferLogger) Debug(format string, args ...any) { l.add("debug", format, args...) }
func (l *BufferLogger) Info(format string, args ...any)  { l.add("info", format, args...) }
func (l *BufferLogger) Warn(format string, args ...any)  { l.add("warn", format, args...) }
func (l *BufferLogger) Error(format string, args ...any) { l.add("error", format, args...) }

func (l *BufferLogger) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.messages...)
}

// Count returns how many messages at level contain substr.
func (l *BufferLogger) Count(level, substr string) int {
	n := 0
	for _, m := range l.Messages() {
		if m.Level == level && strings.Contains(m.Message, substr) {
			n++
		}
	}
	return n
}

func (l *BufferLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
}
