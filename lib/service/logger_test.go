// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buffer bytes.Buffer
	logger, err := NewLogger("warn", "json", &buffer)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "operation", "operations/1")

	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buffer.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if record["msg"] != "kept" || record["operation"] != "operations/1" {
		t.Errorf("record = %v", record)
	}
}

func TestNewLoggerText(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buffer bytes.Buffer
	logger, err := NewLogger("", "text", &buffer)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hello", "stage", "execute")
	if !strings.Contains(buffer.String(), "msg=hello stage=execute") {
		t.Errorf("output = %q", buffer.String())
	}
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	if _, err := NewLogger("loud", "json", &bytes.Buffer{}); err == nil {
		t.Error("accepted level \"loud\"")
	}
	if _, err := NewLogger("info", "xml", &bytes.Buffer{}); err == nil {
		t.Error("accepted format \"xml\"")
	}
}
