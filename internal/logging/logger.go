// Package logging writes one JSON object per line, correlated with the active trace.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/edp/internal/tracing"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var rank = map[LogLevel]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3, LevelFatal: 4}

// ParseLevel maps a LOG_LEVEL value to a level, info when unknown.
func ParseLevel(s string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		return LevelWarn
	}
	if _, ok := rank[l]; ok {
		return l
	}
	return LevelInfo
}

// LogEntry is one log line. The edp ids get top-level keys so they can be indexed.
type LogEntry struct {
	Time          time.Time      `json:"time"`
	Level         LogLevel       `json:"level"`
	Message       string         `json:"msg"`
	Service       string         `json:"service,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	SpanID        string         `json:"span_id,omitempty"`
	EventID       string         `json:"event_id,omitempty"`
	DestinationID string         `json:"destination_id,omitempty"`
	Attempt       int            `json:"attempt,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

var minLevel = LevelInfo

// SetOutput redirects every logger to w and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outMu.Lock()
	defer outMu.Unlock()
	prev := out
	out = w
	return prev
}

// SetLevel drops entries below l for every logger and returns the previous level.
func SetLevel(l LogLevel) LogLevel {
	outMu.Lock()
	defer outMu.Unlock()
	prev := minLevel
	minLevel = ParseLevel(string(l))
	return prev
}

// Logger stamps entries with a service name.
type Logger struct {
	service string
}

func New(service string) *Logger {
	return &Logger{service: service}
}

// WithContext starts an entry carrying the trace and span id of ctx.
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.Plain()
	e.TraceID = tracing.GetTraceID(ctx)
	e.SpanID = tracing.GetSpanID(ctx)
	return e
}

// Plain starts an entry without trace correlation.
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{Time: time.Now().UTC(), Service: l.service}
}

func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	e.EventID = eventID
	return e
}

func (e *LogEntry) WithDestination(destinationID string) *LogEntry {
	e.DestinationID = destinationID
	return e
}

// WithAttempt records the envelope attempt counter.
func (e *LogEntry) WithAttempt(attempt int) *LogEntry {
	e.Attempt = attempt
	return e
}

func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError adds err as the "error" field. A nil err is ignored.
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.WithField("error", err.Error())
}

func (e *LogEntry) Debug(msg string) { e.write(LevelDebug, msg) }
func (e *LogEntry) Info(msg string)  { e.write(LevelInfo, msg) }
func (e *LogEntry) Warn(msg string)  { e.write(LevelWarn, msg) }
func (e *LogEntry) Error(msg string) { e.write(LevelError, msg) }

func (e *LogEntry) Infof(format string, args ...any)  { e.write(LevelInfo, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.write(LevelWarn, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Errorf(format string, args ...any) { e.write(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs regardless of level and exits the process.
func (e *LogEntry) Fatal(msg string) {
	e.write(LevelFatal, msg)
	os.Exit(1)
}

func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) write(level LogLevel, msg string) {
	outMu.Lock()
	defer outMu.Unlock()
	if rank[level] < rank[minLevel] {
		return
	}

	e.Level = level
	e.Message = msg
	data, err := json.Marshal(e)
	if err != nil {
		// Unmarshalable field values still get a line out.
		fmt.Fprintf(out, "%s [%s] %s (%v)\n", e.Time.Format(time.RFC3339), level, msg, err)
		return
	}
	_, _ = out.Write(append(data, '\n'))
}
