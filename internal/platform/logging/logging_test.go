package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	got, err := ParseLevel("DEBUG")
	if err != nil {
		t.Fatalf("ParseLevel() err=%v", err)
	}
	if got != slog.LevelDebug {
		t.Fatalf("ParseLevel()=%v, want debug", got)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("ParseLevel() expected error")
	}
}

func TestNewWithWritersFansOut(t *testing.T) {
	var stdout, file bytes.Buffer
	logger := NewWithWriters(&stdout, &file, slog.LevelInfo)
	logger.Info("job created", "job_id", "j-1")
	logger.Debug("hidden")

	for name, buf := range map[string]*bytes.Buffer{"stdout": &stdout, "file": &file} {
		out := buf.String()
		if !strings.Contains(out, `"job_id":"j-1"`) {
			t.Fatalf("%s missing record: %s", name, out)
		}
		if strings.Contains(out, "hidden") {
			t.Fatalf("%s contains debug record: %s", name, out)
		}
	}
}
