// Package logging provides the structured event sink shared by the
// transport, retry policy, handlers, and orchestrator. It mirrors the
// teacher's apibridge.EventLogger contract: every call site builds a small
// map of fields and hands it to a Logger, rather than formatting strings
// directly.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger receives one structured event per call. Implementations must be
// safe for concurrent use — the orchestrator fans out across many workers.
type Logger interface {
	Log(event map[string]any)
}

// Event builds a logging event with the common fields populated.
func Event(component, level, msg string) map[string]any {
	return map[string]any{
		"ts":        nowFn().UTC().Format(time.RFC3339Nano),
		"component": component,
		"level":     level,
		"msg":       msg,
	}
}

// nowFn exists so tests can pin the clock.
var nowFn = time.Now

// With returns a copy of event with the given key set, leaving event
// untouched. Call sites nest it: logging.With(logging.Event(...), "source_id", id).
func With(event map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(event)+1)
	for k, v := range event {
		out[k] = v
	}
	out[key] = value
	return out
}

// JSONLLogger appends one JSON object per line to an io.Writer. Safe for
// concurrent use.
type JSONLLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLLogger wraps w. If w is nil, os.Stderr is used.
func NewJSONLLogger(w io.Writer) *JSONLLogger {
	if w == nil {
		w = os.Stderr
	}
	return &JSONLLogger{w: w}
}

func (l *JSONLLogger) Log(event map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	enc := json.NewEncoder(l.w)
	_ = enc.Encode(event)
}

// ConsoleLogger prints a compact, colorized one-line summary for
// interactive runs, in the style of the teacher's si/util.go infof/warnf/
// successf helpers.
type ConsoleLogger struct {
	mu      sync.Mutex
	w       io.Writer
	colorOn bool
}

// NewConsoleLogger wraps w (os.Stdout in normal operation). colorOn enables
// ANSI color; the logger itself inspects neither w nor the environment, and
// cmd/etlpipeline turns it on when stdout is a terminal and NO_COLOR is unset.
func NewConsoleLogger(w io.Writer, colorOn bool) *ConsoleLogger {
	return &ConsoleLogger{w: w, colorOn: colorOn}
}

func (l *ConsoleLogger) Log(event map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	level, _ := event["level"].(string)
	msg, _ := event["msg"].(string)
	component, _ := event["component"].(string)

	line := fmt.Sprintf("[%s] %s: %s", component, level, msg)
	if extra := extraFields(event); extra != "" {
		line += " " + extra
	}
	fmt.Fprintln(l.w, l.colorize(line, level))
}

func (l *ConsoleLogger) colorize(line, level string) string {
	if !l.colorOn {
		return line
	}
	code := "36"
	switch strings.ToLower(level) {
	case "error", "fatal":
		code = "31"
	case "warn", "warning":
		code = "33"
	case "ok", "success":
		code = "32"
	}
	return "\x1b[" + code + "m" + line + "\x1b[0m"
}

func extraFields(event map[string]any) string {
	var b strings.Builder
	for _, k := range []string{"source_id", "sub_resource_id", "url", "attempt", "status", "duration_ms"} {
		v, ok := event[k]
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, v)
	}
	return b.String()
}

// Fanout dispatches every event to all of its children.
type Fanout []Logger

func (f Fanout) Log(event map[string]any) {
	for _, l := range f {
		if l != nil {
			l.Log(event)
		}
	}
}

// Nop discards every event; useful as a default in tests.
type Nop struct{}

func (Nop) Log(map[string]any) {}
