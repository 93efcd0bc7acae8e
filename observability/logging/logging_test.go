package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "lendingd.log")
	logger := SetupWithOptions("lendingd", "test", Options{Level: "debug", File: file, Output: &buf})
	logger.Debug("checkpoint written", MaskField("api_token", "secret"), slog.String("market", "DAI"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"message":   "checkpoint written",
		"severity":  "DEBUG",
		"service":   "lendingd",
		"env":       "test",
		"api_token": RedactedValue,
		"market":    "DAI",
	} {
		if got, _ := line[key].(string); got != want {
			t.Fatalf("%s: got %q want %q", key, got, want)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp")
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read rotated file: %v", err)
	}
	if !strings.Contains(string(raw), "checkpoint written") {
		t.Fatalf("file sink missing line: %s", raw)
	}
	if strings.Contains(string(raw), "secret") {
		t.Fatalf("secret leaked into file sink")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions("lendingd", "", Options{Level: "warn", Output: &buf})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line should be filtered: %s", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn line missing")
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("dsn", "postgres://u:p@db/x"); attr.Value.String() != RedactedValue {
		t.Fatalf("dsn not redacted: %v", attr)
	}
	if attr := MaskField("service", "lendingd"); attr.Value.String() != "lendingd" {
		t.Fatalf("allowlisted key redacted: %v", attr)
	}
	if attr := MaskField("token", ""); attr.Value.String() != "" {
		t.Fatalf("empty values stay empty: %v", attr)
	}
	if MaskValue("x") != RedactedValue {
		t.Fatalf("MaskValue")
	}
}
