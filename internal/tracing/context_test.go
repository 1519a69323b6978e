package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithAgentID(ctx, "sales_agent")
	ctx = WithThreadID(ctx, "thread-1")
	ctx = WithRequestID(ctx, "req-1")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-1" || tc.RunID != "run-1" || tc.AgentID != "sales_agent" {
		t.Errorf("unexpected trace context: %+v", tc)
	}
	if tc.ThreadID != "thread-1" || tc.RequestID != "req-1" {
		t.Errorf("unexpected trace context: %+v", tc)
	}

	rebuilt := NewContext(context.Background(), tc)
	if GetThreadID(rebuilt) != "thread-1" {
		t.Errorf("Expected thread ID thread-1, got %s", GetThreadID(rebuilt))
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" || GetRunID(ctx) != "" || GetThreadID(ctx) != "" {
		t.Error("expected empty values on background context")
	}
}

func TestNewRequestContextKeepsExistingTrace(t *testing.T) {
	ctx := WithTraceID(context.Background(), "existing")
	if GetTraceID(NewRequestContext(ctx)) != "existing" {
		t.Error("existing trace ID was replaced")
	}
	if GetTraceID(NewRequestContext(context.Background())) == "" {
		t.Error("trace ID not generated")
	}
}

func TestNewAgentRunContext(t *testing.T) {
	ctx := NewAgentRunContext(context.Background(), "coordinator_agent")
	if GetRunID(ctx) == "" {
		t.Error("run ID not generated")
	}
	if GetAgentID(ctx) != "coordinator_agent" {
		t.Errorf("Expected agent coordinator_agent, got %s", GetAgentID(ctx))
	}
}
