package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for raw, expected := range testCases {
		if got := ParseLevel(raw); got != expected {
			t.Fatalf("level %q: expected %s, got %s", raw, expected, got)
		}
	}
}

func TestNewLoggerWithFileWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wordsync.log")
	logger, err := NewLoggerWithFile("warn", FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}
	logger.Info("dropped below level")
	logger.Warn("sync run left entities pending upload")
	_ = logger.Sync()

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	text := string(contents)
	if strings.Contains(text, "dropped below level") {
		t.Fatalf("expected info entry filtered, got %s", text)
	}
	if !strings.Contains(text, `"msg":"sync run left entities pending upload"`) {
		t.Fatalf("expected warn entry in file, got %s", text)
	}
}
