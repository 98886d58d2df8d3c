// Package logging tests for the structured logging facade.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// newTestLogger builds an isolated logger writing into buf.
func newTestLogger(buf *bytes.Buffer, level logrus.Level) *logrus.Logger {
	return newLogger(buf, level)
}

// TestLoggerJSONOutput verifies entries are emitted as structured JSON.
func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, logrus.InfoLevel)

	l.WithFields(Fields{"table": "activities", "count": 3}).Info("push completed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}

	if entry["msg"] != "push completed" {
		t.Errorf("msg = %v, want 'push completed'", entry["msg"])
	}
	if entry["table"] != "activities" {
		t.Errorf("table = %v, want activities", entry["table"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
}

// TestLoggerLevelFiltering verifies debug entries are dropped at info level.
func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, logrus.InfoLevel)

	l.Debug("should not appear")

	if buf.Len() != 0 {
		t.Errorf("debug entry was emitted at info level: %s", buf.String())
	}

	l.Info("should appear")
	if buf.Len() == 0 {
		t.Error("info entry was not emitted")
	}
}

// TestLoggerErrorField verifies error values are attached to entries.
func TestLoggerErrorField(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, logrus.InfoLevel)

	l.WithError(errors.New("connection refused")).Error("push failed")

	if !strings.Contains(buf.String(), "connection refused") {
		t.Errorf("error field missing from output: %s", buf.String())
	}
}

// TestGet verifies the global logger is lazily initialized.
func TestGet(t *testing.T) {
	if Get() == nil {
		t.Fatal("Get() returned nil")
	}
}
