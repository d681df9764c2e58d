// Package logging builds the process logger. Every record is written to the
// configured output and also kept in a bounded buffer served by the status
// API.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log record
type Entry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// Buffer keeps the most recent entries and fans new ones out to followers
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int

	subMu       sync.RWMutex
	subscribers map[chan Entry]struct{}
}

// NewBuffer creates a buffer holding up to size entries
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1000
	}
	return &Buffer{
		entries:     make([]Entry, size),
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Add stores an entry, overwriting the oldest when full
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	b.entries[b.head] = e
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
	b.mu.Unlock()

	b.subMu.RLock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// slow follower
		}
	}
	b.subMu.RUnlock()
}

// Recent returns up to n entries, oldest first
func (b *Buffer) Recent(n int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	size := len(b.entries)
	out := make([]Entry, n)
	start := (b.head - n + size) % size
	for i := 0; i < n; i++ {
		out[i] = b.entries[(start+i)%size]
	}
	return out
}

// Subscribe returns a channel receiving entries added from now on
func (b *Buffer) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	b.subMu.Lock()
	b.subscribers[ch] = struct{}{}
	b.subMu.Unlock()
	return ch
}

// Unsubscribe stops and closes a subscription
func (b *Buffer) Unsubscribe(ch chan Entry) {
	b.subMu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.subMu.Unlock()
}

// Handler is a slog.Handler that records into a Buffer before delegating
type Handler struct {
	buffer *Buffer
	next   slog.Handler
	level  slog.Leveler
	attrs  []slog.Attr
	group  string
}

// NewHandler wraps next. level is consulted on every record so a
// *slog.LevelVar can be adjusted at runtime.
func NewHandler(buffer *Buffer, next slog.Handler, level slog.Leveler) *Handler {
	return &Handler{buffer: buffer, next: next, level: level}
}

// Enabled implements slog.Handler
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   make(map[string]interface{}),
	}
	add := func(a slog.Attr) bool {
		if a.Key == "component" && h.group == "" {
			e.Component = a.Value.String()
			return true
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		e.Attrs[key] = a.Value.Resolve().Any()
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)
	if len(e.Attrs) == 0 {
		e.Attrs = nil
	}

	h.buffer.Add(e)
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.group != "" {
		grouped := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			grouped[i] = slog.Attr{Key: h.group + "." + a.Key, Value: a.Value}
		}
		attrs = grouped
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{buffer: h.buffer, next: h.next.WithAttrs(attrs), level: h.level, attrs: merged, group: h.group}
}

// WithGroup implements slog.Handler
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{buffer: h.buffer, next: h.next.WithGroup(name), level: h.level, attrs: h.attrs, group: group}
}

// ParseLevel maps a configured level name to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing format ("json" or "text") to w at the given
// level, capturing every enabled record in buffer.
func New(w io.Writer, format string, level slog.Leveler, buffer *Buffer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var next slog.Handler
	if format == "text" {
		next = slog.NewTextHandler(w, opts)
	} else {
		next = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewHandler(buffer, next, level))
}
