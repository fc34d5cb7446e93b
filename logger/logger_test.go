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

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel().String() != "info" {
		t.Fatalf("report level should log at info, got %s", log.GetLevel())
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "app.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 1); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("file_test").Info("hello")
}

func TestWarnRecordsComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	log.WithComponent("warn_counter_test").Warn("first")
	log.WithComponent("warn_counter_test").Error("second")

	stat := componentFor("warn_counter_test")
	if stat.warns != 1 || stat.errors != 1 {
		t.Fatalf("unexpected component stats: %+v", stat)
	}

	var line map[string]interface{}
	first := bytes.SplitN(buf.Bytes(), []byte("\n"), 2)[0]
	if err := json.Unmarshal(first, &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["message"] != "first" || line["component"] != "warn_counter_test" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestCounters(t *testing.T) {
	before := Counters()
	IncrementMessageRead(10)
	IncrementDepthInsert()
	IncrementTradeInsert()
	IncrementDuplicate()
	after := Counters()
	if after.MessagesRead-before.MessagesRead != 1 || after.BytesRead-before.BytesRead != 10 {
		t.Fatalf("read counters not updated: %+v -> %+v", before, after)
	}
	if after.DepthInserts-before.DepthInserts != 1 || after.TradeInserts-before.TradeInserts != 1 || after.Duplicates-before.Duplicates != 1 {
		t.Fatalf("insert counters not updated: %+v -> %+v", before, after)
	}
}
