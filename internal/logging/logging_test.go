package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestBufferWraps(t *testing.T) {
	b := NewBuffer(3)
	for i, msg := range []string{"a", "b", "c", "d"} {
		b.Add(Entry{Message: msg, Time: time.Unix(int64(i), 0)})
	}

	got := b.Recent(10)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"b", "c", "d"} {
		if got[i].Message != want {
			t.Errorf("entry %d = %s, want %s", i, got[i].Message, want)
		}
	}
	if last := b.Recent(1); len(last) != 1 || last[0].Message != "d" {
		t.Errorf("Recent(1) = %+v", last)
	}
}

func TestBufferSubscribe(t *testing.T) {
	b := NewBuffer(10)
	ch := b.Subscribe()
	b.Add(Entry{Message: "hello"})

	select {
	case e := <-ch:
		if e.Message != "hello" {
			t.Errorf("got %+v", e)
		}
	default:
		t.Fatal("subscriber got nothing")
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}

func TestLoggerCapturesRecords(t *testing.T) {
	var out bytes.Buffer
	buf := NewBuffer(10)
	level := new(slog.LevelVar)
	logger := New(&out, "json", level, buf)

	cl := logger.With("component", "identity")
	cl.Debug("filtered")
	cl.Info("registered", "global_id", 3)
	cl.WithGroup("match").Info("scored", "distance", 0.25)

	entries := buf.Recent(0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Component != "identity" || entries[0].Attrs["global_id"] != int64(3) {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	if entries[1].Attrs["match.distance"] != 0.25 {
		t.Errorf("group not applied: %+v", entries[1].Attrs)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 output lines, got %q", out.String())
	}
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["component"] != "identity" {
		t.Errorf("component missing from output: %v", rec)
	}

	level.Set(slog.LevelDebug)
	cl.Debug("now visible")
	if n := len(buf.Recent(0)); n != 3 {
		t.Errorf("level change not applied, %d entries", n)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
