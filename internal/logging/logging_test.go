package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestConsoleHandler(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", "console")
	if err != nil {
		t.Fatal(err)
	}

	logger.Debug("hidden")
	logger.Warn("embedding failed", "complaint_id", 7, "error", errors.New("ollama down"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line logged at info level: %q", out)
	}
	for _, want := range []string{"embedding failed", "complaint_id=7", "ollama down"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("colors written to a non-terminal: %q", out)
	}
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "json")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("sink flushed", "batch", 3)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	if line["msg"] != "sink flushed" || line["level"] != "DEBUG" || line["batch"] != float64(3) {
		t.Errorf("line = %v", line)
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatal("expected error")
	}
}
