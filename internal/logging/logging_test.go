package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("run", "r1")

	logger.Info("frame composed", "frame", 7)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] frame composed [run=r1 frame=7]") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %q", out)
	}
}

func TestTraditionalHandlerGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelDebug)).WithGroup("cache")

	logger.Debug("reuse", "key", "1,2,3")

	if !strings.Contains(buf.String(), "cache.key=1,2,3") {
		t.Fatalf("expected grouped key, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
