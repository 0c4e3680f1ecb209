package logger

import (
	"context"
	"testing"
)

func TestWithRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")

	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Errorf("expected request ID req-123, got %q", got)
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
}

func TestFromContext_AttachesRequestID(t *testing.T) {
	base := New()
	ctx := WithRequestID(context.Background(), "req-456")

	l := FromContext(ctx, base)
	if l == base {
		t.Error("expected a derived logger when request ID is present")
	}
}

func TestFromContext_NoRequestID(t *testing.T) {
	base := New()

	l := FromContext(context.Background(), base)
	if l != base {
		t.Error("expected the base logger when no request ID is present")
	}
}
