package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger(Config{Level: "WARN"})
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", logger.GetLevel())
	}

	logger = NewLogger(Config{Level: "nonsense"})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("unknown level should fall back to info, got %s", logger.GetLevel())
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexer.log")
	logger := NewLogger(Config{Level: "info", File: path, MaxSizeMB: 1})
	logger.Info().Str("component", "test").Msg("hello file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello file"`) {
		t.Fatalf("log file missing entry: %s", data)
	}
}
