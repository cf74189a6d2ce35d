package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := filepath.Join(t.TempDir(), "sync.log")
	if err := log.Configure("debug", "text", path, 7); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("test").Info("hello")
}

func TestJSONFieldNames(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("pipeline").WithField("symbol", "BTCUSDT").Info("synced")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "symbol"} {
		if _, ok := line[key]; !ok {
			t.Errorf("missing %q in %v", key, line)
		}
	}
}

func TestReportCounters(t *testing.T) {
	before := reportFields()
	IncrementSegment(true)
	IncrementSegment(false)
	IncrementArchiveWrite(10)
	after := reportFields()
	if after["segments_ok"].(int64)-before["segments_ok"].(int64) != 1 {
		t.Errorf("segments_ok not incremented: %v", after)
	}
	if after["segments_failed"].(int64)-before["segments_failed"].(int64) != 1 {
		t.Errorf("segments_failed not incremented: %v", after)
	}
	if after["records_written"].(int64)-before["records_written"].(int64) != 10 {
		t.Errorf("records_written not incremented: %v", after)
	}
}
