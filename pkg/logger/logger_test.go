package logger

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRingBufferKeepsNewestEntries(t *testing.T) {
	ring := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		ring.Add(Entry{Message: string(rune('a' + i))})
	}
	got := ring.Entries()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	want := []string{"c", "d", "e"}
	for i, entry := range got {
		if entry.Message != want[i] {
			t.Fatalf("entry %d: expected %q, got %q", i, want[i], entry.Message)
		}
	}
}

func TestRingBufferPartial(t *testing.T) {
	ring := NewRingBuffer(4)
	ring.Add(Entry{Message: "one"})
	if ring.Len() != 1 || ring.Entries()[0].Message != "one" {
		t.Fatalf("unexpected entries: %+v", ring.Entries())
	}
}

func TestInitTeesIntoRing(t *testing.T) {
	if err := Init(Config{OutputPaths: []string{"discard"}, RingSize: 10}); err != nil {
		t.Fatalf("init: %v", err)
	}
	Named("loop").Info("tool called", slog.String("tool", "get_current_time"), slog.Any("error", errors.New("boom")))

	entries := Ring().Entries()
	if len(entries) == 0 {
		t.Fatalf("expected ring entries")
	}
	last := entries[len(entries)-1]
	if last.Message != "tool called" || last.Level != "INFO" {
		t.Fatalf("unexpected entry: %+v", last)
	}
	if last.Attrs["component"] != "loop" || last.Attrs["tool"] != "get_current_time" {
		t.Fatalf("attributes missing: %+v", last.Attrs)
	}
	if last.Attrs["error"] != "boom" {
		t.Fatalf("error attribute should be rendered as text: %+v", last.Attrs)
	}
}

func TestRingHandlerGroups(t *testing.T) {
	ring := NewRingBuffer(2)
	log := slog.New(newRingHandler(slog.NewTextHandler(discard{}, nil), ring)).WithGroup("pipeline").With("lead_id", "L1")
	log.Warn("halted", "status", "AWAITING_ORACLE")

	entry := ring.Entries()[0]
	if entry.Attrs["pipeline.lead_id"] != "L1" || entry.Attrs["pipeline.status"] != "AWAITING_ORACLE" {
		t.Fatalf("unexpected grouped attrs: %+v", entry.Attrs)
	}
}

func TestRotatingFileRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingFile(RotateConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("new rotating file: %v", err)
	}
	defer w.Close()

	chunk := make([]byte, 600*1024)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(path+".1", old, old)
	if _, err := w.Write(chunk); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
