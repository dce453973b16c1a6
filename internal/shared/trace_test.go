package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}

	id := NewTraceID()
	if id == "" || id == NewTraceID() {
		t.Fatalf("trace ids should be unique and non-empty, got %q", id)
	}
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}

	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Fatalf("empty trace id should read as '-', got %q", got)
	}
}

func TestConnID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := ConnID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithConnID(ctx, "conn-1")
	if got := ConnID(ctx); got != "conn-1" {
		t.Fatalf("expected conn-1, got %q", got)
	}
}
