package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"paperhub.org/internal/auth"
	"paperhub.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{Email: "dana@example.com"})

	if err := LogEvent(ctx, "permissions.invite", map[string]any{"workspace": "ws-1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "permissions.invite" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user"] != "dana@example.com" {
		t.Fatalf("unexpected user: %v", entry["user"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["workspace"] != "ws-1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}
