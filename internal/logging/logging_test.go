package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	l.Info("hello", "key", "value")
	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "key=value") {
		t.Fatalf("output = %q, want message and attr", out)
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithFormat(FormatJSON))
	l.Info("structured", "count", 42)

	var parsed map[string]any
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if parsed["msg"] != "structured" {
		t.Fatalf("msg = %v, want %q", parsed["msg"], "structured")
	}
	if parsed["count"] != float64(42) {
		t.Fatalf("count = %v, want 42", parsed["count"])
	}
}

func TestNewPrettyLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithFormat(FormatPretty))
	l.Info("pretty output")
	if !strings.Contains(buf.String(), "pretty output") {
		t.Fatalf("output = %q, want message", buf.String())
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithLevel("info"))
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at info level: %q", buf.String())
	}

	buf.Reset()
	l = New(WithWriter(&buf), WithLevel("debug"))
	l.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug line missing at debug level")
	}
}

func TestMultipleWriters(t *testing.T) {
	var a, b bytes.Buffer
	New(WithWriters(&a, &b)).Info("multi")
	if !strings.Contains(a.String(), "multi") || !strings.Contains(b.String(), "multi") {
		t.Fatalf("multi writer output missing")
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	if l.Handler().Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("Nop handler should be disabled")
	}
	l.With("k", "v").WithGroup("g").Info("discarded")
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("JSON") != FormatJSON || ParseFormat("pretty") != FormatPretty || ParseFormat("??") != FormatText {
		t.Fatalf("ParseFormat mapping mismatch")
	}
}
