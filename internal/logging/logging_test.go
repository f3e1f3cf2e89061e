package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentFollowsLaterInit(t *testing.T) {
	log := Component("archive")

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)

	log.Info("run finished", "rows", 3)

	out := buf.String()
	if !strings.Contains(out, "component=archive") {
		t.Errorf("expected component attribute, got %q", out)
	}
	if !strings.Contains(out, "rows=3") {
		t.Errorf("expected rows attribute, got %q", out)
	}
}

func TestComponentRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelWarn, false)

	Component("server").Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered, got %q", buf.String())
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, true)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithUserID(ctx, "user-1")
	ctx = ContextWithOrganizationID(ctx, "org-1")

	WithContext(ctx).Info("hello")

	out := buf.String()
	for _, want := range []string{`"request_id":"req-1"`, `"user_id":"user-1"`, `"org_id":"org-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %q", want, out)
		}
	}

	if RequestIDFromContext(ctx) != "req-1" {
		t.Errorf("expected req-1, got %q", RequestIDFromContext(ctx))
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		hasError bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if tt.hasError != (err != nil) {
			t.Errorf("input %q: unexpected error state %v", tt.input, err)
		}
		if got != tt.expected {
			t.Errorf("input %q: expected %v, got %v", tt.input, tt.expected, got)
		}
	}
}
