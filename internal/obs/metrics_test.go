package obs

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":         "/",
		"/metrics": "/metrics",
		"/v1/auth/sessions/01HZX3J8Q4K9V7N2M5P6R8T0WY":           "/v1/auth/sessions/:id",
		"/v1/admin/users/01HZX3J8Q4K9V7N2M5P6R8T0WY/suspend":     "/v1/admin/users/:id/suspend",
		"/v1/admin/users/5b8f9c1e-3a2d-4e6f-9b1a-0c2d3e4f5a6b":   "/v1/admin/users/:id",
		"/v1/auth/contexts?x=1":                                  "/v1/auth/contexts",
		"/v1/auth/sessions/short":                                "/v1/auth/sessions/short",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLoggerLevelsAndSwap(t *testing.T) {
	var buf bytes.Buffer
	prev := SetLogger(NewLogger("test", "warn", &buf))
	defer SetLogger(prev)

	Logger().Info("dropped")
	Logger().Warn("kept", slog.String("k", "v"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "kept" || entry["service"] != "test" || entry["k"] != "v" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatal("unknown levels must fall back to info")
	}
}
