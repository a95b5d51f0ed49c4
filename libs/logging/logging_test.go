package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(newLogger(&buf, "warn", "ledger", "test"), "governance")

	logger.Info("dropped")
	logger.Warn("kept", "rule_id", "r-1")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{"service": "ledger", "env": "test", "component": "governance", "msg": "kept", "rule_id": "r-1"} {
		if line[key] != want {
			t.Fatalf("field %s = %v, want %s", key, line[key], want)
		}
	}
}
