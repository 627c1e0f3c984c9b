package logger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRingSize is the number of entries kept for the dashboard log view.
const DefaultRingSize = 200

// Entry is one captured log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// RingBuffer keeps the most recent log entries in memory.
type RingBuffer struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRingBuffer creates a buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &RingBuffer{entries: make([]Entry, size)}
}

// Add appends an entry, evicting the oldest one when full.
func (r *RingBuffer) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (r *RingBuffer) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Len reports how many entries are currently stored.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// ringHandler tees every record into a RingBuffer before delegating.
type ringHandler struct {
	next   slog.Handler
	ring   *RingBuffer
	attrs  []slog.Attr
	prefix string
}

func newRingHandler(next slog.Handler, ring *RingBuffer) *ringHandler {
	return &ringHandler{next: next, ring: ring}
}

func (h *ringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ringHandler) Handle(ctx context.Context, record slog.Record) error {
	entry := Entry{
		Timestamp: record.Time,
		Level:     record.Level.String(),
		Message:   record.Message,
	}
	if len(h.attrs) > 0 || record.NumAttrs() > 0 {
		entry.Attrs = make(map[string]any, len(h.attrs)+record.NumAttrs())
		for _, attr := range h.attrs {
			flatten(entry.Attrs, "", attr)
		}
		record.Attrs(func(attr slog.Attr) bool {
			flatten(entry.Attrs, h.prefix, attr)
			return true
		})
	}
	h.ring.Add(entry)
	return h.next.Handle(ctx, record)
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, attr := range attrs {
		if h.prefix != "" {
			attr.Key = h.prefix + attr.Key
		}
		clone.attrs = append(clone.attrs, attr)
	}
	return &clone
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.next = h.next.WithGroup(name)
	clone.prefix = h.prefix + name + "."
	return &clone
}

func flatten(dst map[string]any, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Value.Kind() == slog.KindGroup {
		for _, child := range attr.Value.Group() {
			flatten(dst, prefix+attr.Key+".", child)
		}
		return
	}
	if attr.Key == "" {
		return
	}
	value := attr.Value.Any()
	if err, ok := value.(error); ok {
		value = err.Error()
	}
	dst[prefix+attr.Key] = value
}
