package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name      string
		logFile   string
		level     string
		wantLevel zerolog.Level
	}{
		{"default level", "", "", zerolog.InfoLevel},
		{"debug level", "", "debug", zerolog.DebugLevel},
		{"info level", "", "info", zerolog.InfoLevel},
		{"warn level", "", "warn", zerolog.WarnLevel},
		{"error level", "", "error", zerolog.ErrorLevel},
		{"case insensitive", "", "DEBUG", zerolog.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanup, err := Init(tt.logFile, tt.level)
			if err != nil {
				t.Fatalf("Init() failed: %v", err)
			}
			defer cleanup()

			if zerolog.GlobalLevel() != tt.wantLevel {
				t.Errorf("expected level %v, got %v", tt.wantLevel, zerolog.GlobalLevel())
			}
		})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func TestInitWithFile(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "nested", "test.log")

	cleanup, err := Init(logPath, "info")
	if err != nil {
		t.Fatalf("Init() with file failed: %v", err)
	}
	defer cleanup()

	Get().Info().Str("container", "abc").Msg("test message")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "test message") {
		t.Fatalf("expected log file to contain message, got %q", string(data))
	}
}

func TestForAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	l := For("reaper")
	l.Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if line["component"] != "reaper" {
		t.Fatalf("expected component=reaper, got %v", line["component"])
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("off") != zerolog.Disabled {
		t.Fatalf("expected off to disable logging")
	}
	if ParseLevel("bogus") != zerolog.InfoLevel {
		t.Fatalf("expected unknown level to map to info")
	}
}

func TestForChainsWithoutBinding(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	For("session").Warn().Str("session", "s1").Msg("chained")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if line["component"] != "session" || line["level"] != "warn" || line["session"] != "s1" {
		t.Fatalf("unexpected log line %v", line)
	}
}
