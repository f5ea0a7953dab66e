// QlikClaw - Qlik Sense engine tools for MCP clients
// License: MIT
//
// Copyright (c) 2026 QlikClaw contributors

// Package logger is the process-wide structured logger. It wraps log/slog,
// always writes to stderr (stdout carries the MCP stdio protocol), and offers
// component-scoped helpers so call sites stay one line.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Level is a logging threshold.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	case ERROR:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l Level) slog() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel accepts debug, info, warn(ing) and error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

var (
	mu       sync.RWMutex
	level    = new(slog.LevelVar)
	instance = newHandlerLogger(os.Stderr, "text")
)

// SetLevel changes the threshold of the process logger.
func SetLevel(l Level) {
	level.Set(l.slog())
}

// Init replaces the process logger. format is "text", "json" or "auto";
// auto picks text when w is a terminal and JSON otherwise.
func Init(format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := newHandlerLogger(w, format)
	mu.Lock()
	instance = l
	mu.Unlock()
	return l
}

// Default returns the process logger for injection into components.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// Component returns the process logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Default().With("component", name)
}

func newHandlerLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if resolveFormat(w, format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func resolveFormat(w io.Writer, format string) string {
	switch strings.ToLower(format) {
	case "json":
		return "json"
	case "text":
		return "text"
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "text"
	}
	return "json"
}

// DebugCF logs at debug level with a component and fields.
func DebugCF(component, msg string, fields map[string]any) {
	logCF(slog.LevelDebug, component, msg, fields)
}

// InfoCF logs at info level with a component and fields.
func InfoCF(component, msg string, fields map[string]any) {
	logCF(slog.LevelInfo, component, msg, fields)
}

// WarnCF logs at warn level with a component and fields.
func WarnCF(component, msg string, fields map[string]any) {
	logCF(slog.LevelWarn, component, msg, fields)
}

// ErrorCF logs at error level with a component and fields.
func ErrorCF(component, msg string, fields map[string]any) {
	logCF(slog.LevelError, component, msg, fields)
}

func logCF(lvl slog.Level, component, msg string, fields map[string]any) {
	l := Default()
	args := make([]any, 0, 2+2*len(fields))
	args = append(args, "component", component)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	l.Log(context.Background(), lvl, msg, args...)
}
