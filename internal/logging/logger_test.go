package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bindery/internal/config"
	"bindery/internal/logging"
	"bindery/internal/services"
)

func newFileLogger(t *testing.T, format, level string) (func(), string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "bindery.log")
	logger, err := logging.New(logging.Options{
		Format:           format,
		Level:            level,
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	emit := func() {
		ctx := services.WithJobID(context.Background(), 42)
		ctx = services.WithStage(ctx, "download")
		logging.WithContext(ctx, logging.NewComponentLogger(logger, "workflow")).Info(
			"download complete",
			logging.Bytes("downloaded_bytes", 10*1024*1024),
			logging.String(logging.FieldEventType, "download_complete"),
		)
	}
	return emit, logPath
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(content)
}

func TestNewFromConfigConsole(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("hello")
	if _, err := os.Stat(filepath.Join(cfg.Paths.LogDir, "bindery.log")); err != nil {
		t.Fatalf("expected log file: %v", err)
	}
}

func TestConsoleHeaderIncludesJobSubject(t *testing.T) {
	emit, path := newFileLogger(t, "console", "info")
	emit()
	content := readLog(t, path)

	if !strings.Contains(content, "INFO [workflow] Job #42 (download) – download complete") {
		t.Fatalf("unexpected header: %q", content)
	}
	if !strings.Contains(content, "Downloaded: 10 MiB") {
		t.Fatalf("expected humanized byte field, got %q", content)
	}
	if strings.Contains(content, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
	if strings.Contains(content, "\x1b[") {
		t.Fatalf("expected no color codes in file output, got %q", content)
	}
}

func TestConsoleDebugIncludesCaller(t *testing.T) {
	emit, path := newFileLogger(t, "console", "debug")
	emit()
	if content := readLog(t, path); !strings.Contains(content, ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestJSONLoggerUsesShortKeys(t *testing.T) {
	emit, path := newFileLogger(t, "json", "info")
	emit()
	line := strings.TrimSpace(readLog(t, path))

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, line)
	}
	for _, key := range []string{"ts", "level", "msg", logging.FieldJobID, logging.FieldStage, logging.FieldComponent} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
	if entry["level"] != "info" {
		t.Fatalf("expected lowercase level, got %v", entry["level"])
	}
	if entry[logging.FieldJobID] != float64(42) {
		t.Fatalf("unexpected job id %v", entry[logging.FieldJobID])
	}
}

func TestJSONLoggerRedactsSignedLinks(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "bindery.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("download started",
		logging.String("direct_url", "https://user:pw@cdn.example.com/files/vol1.cbz?sig=abc123&exp=99"),
		logging.String("title", "Blame! - Volume 1?"),
		logging.Duration("duration", 1500*time.Millisecond+300*time.Microsecond),
		logging.String(logging.FieldBundleKey, "b-1"),
	)

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(readLog(t, logPath))), &entry); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if entry["direct_url"] != "https://cdn.example.com/files/vol1.cbz" {
		t.Fatalf("expected redacted link, got %v", entry["direct_url"])
	}
	if entry["title"] != "Blame! - Volume 1?" {
		t.Fatalf("non-url field was changed: %v", entry["title"])
	}
	if entry["duration"] != "1.5s" {
		t.Fatalf("unexpected duration %v", entry["duration"])
	}
	if entry[logging.FieldBundleKey] != "b-1" {
		t.Fatalf("unexpected bundle key %v", entry[logging.FieldBundleKey])
	}
	ts, _ := entry["ts"].(string)
	if _, err := time.Parse("2006-01-02T15:04:05.000Z07:00", ts); err != nil {
		t.Fatalf("unexpected timestamp %q: %v", ts, err)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "slow host", "host_slow")

	content := readLog(t, logPath)
	for _, want := range []string{`"event_type":"host_slow"`, `"error_hint"`, `"impact"`} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected %s in %q", want, content)
		}
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := logging.NewNop()
	if logger.Enabled(context.Background(), 12) {
		t.Fatal("nop logger should not be enabled")
	}
}
