package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupFormats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if err := setup(&buf, "warn", "json"); err != nil {
		t.Fatalf("Failed to set up json logger: %v", err)
	}
	slog.Info("hidden")
	slog.Warn("shown", "device", "pattern:0")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected one line above the warn level, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("Expected a json record: %v", err)
	}
	if rec["msg"] != "shown" || rec["device"] != "pattern:0" {
		t.Errorf("Unexpected record %v", rec)
	}

	buf.Reset()
	if err := setup(&buf, "debug", "text"); err != nil {
		t.Fatalf("Failed to set up text logger: %v", err)
	}
	slog.Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") {
		t.Errorf("Expected a text record, got %q", buf.String())
	}

	if err := setup(&buf, "info", "xml"); err == nil {
		t.Error("Expected an error for an unknown format")
	}
	if err := setup(&buf, "loud", "text"); err == nil {
		t.Error("Expected an error for an unknown level")
	}
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	l := &CronLogger{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	l.Info("schedule", "entry", 1)
	l.Error(errors.New("boom"), "job failed", "entry", 1)

	out := buf.String()
	if !strings.Contains(out, "level=DEBUG msg=schedule entry=1") {
		t.Errorf("Expected cron info at debug level, got %q", out)
	}
	if !strings.Contains(out, "error=boom") {
		t.Errorf("Expected the error attribute, got %q", out)
	}
}
