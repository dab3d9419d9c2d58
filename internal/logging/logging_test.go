package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewJSONAndSet(t *testing.T) {
	var buf bytes.Buffer
	l := New("json", slog.LevelDebug, &buf)
	prev := L()
	Set(l)
	defer Set(prev)
	For("broker").Info("serial_open", "device", "/dev/null")
	out := buf.String()
	if !strings.Contains(out, `"component":"broker"`) || !strings.Contains(out, `"msg":"serial_open"`) {
		t.Fatalf("unexpected record: %s", out)
	}
	Set(nil)
	if L() != l {
		t.Fatalf("Set(nil) must keep the current logger")
	}
}
