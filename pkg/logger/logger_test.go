package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestWithContextAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := New("test", &buf)

	ctx := ContextWithRequestID(context.Background(), "rpc-7")
	l.WithContext(ctx).Info("handled")

	out := buf.String()
	if !strings.Contains(out, `"requestID":"rpc-7"`) {
		t.Fatalf("expected requestID field, got %s", out)
	}
	if !strings.Contains(out, `"service":"test"`) {
		t.Fatalf("expected service field, got %s", out)
	}
}

func TestWithContextWithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := New("test", &buf)

	l.WithContext(context.Background()).Info("handled")

	if strings.Contains(buf.String(), "requestID") {
		t.Fatalf("expected no requestID field, got %s", buf.String())
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if got := RequestIDFromContext(nil); got != "" {
		t.Fatalf("expected empty id for nil context, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}

	ctx := ContextWithRequestID(context.Background(), "rpc-7")
	if got := RequestIDFromContext(ctx); got != "rpc-7" {
		t.Fatalf("expected rpc-7, got %q", got)
	}
}
