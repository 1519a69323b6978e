package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToHandoff(t *testing.T) {
	parent := context.Background()
	parent = WithTraceID(parent, "trace-123")
	parent = WithRunID(parent, "run-parent")
	parent = WithAgentID(parent, "coordinator_agent")
	parent = WithThreadID(parent, "thread-abc")

	child := PropagateToHandoff(parent, "sales_agent")

	if GetTraceID(child) != "trace-123" {
		t.Error("Trace ID not propagated")
	}
	if GetRunID(child) == "run-parent" || GetRunID(child) == "" {
		t.Error("Run ID should be regenerated for the handoff target")
	}
	if GetAgentID(child) != "sales_agent" {
		t.Error("Agent ID not updated")
	}
	if GetThreadID(child) != "thread-abc" {
		t.Error("Thread ID not propagated")
	}
}

func TestPropagateToHandoffGeneratesTrace(t *testing.T) {
	child := PropagateToHandoff(context.Background(), "sales_agent")
	if GetTraceID(child) == "" {
		t.Error("Trace ID not generated when missing")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-xyz")
	ctx = WithThreadID(ctx, "thread-9")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-xyz"`) {
		t.Errorf("trace_id missing from log output: %s", out)
	}
	if !strings.Contains(out, `"thread_id":"thread-9"`) {
		t.Errorf("thread_id missing from log output: %s", out)
	}
	if strings.Contains(out, "run_id") {
		t.Errorf("unexpected run_id in log output: %s", out)
	}
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithThreadID(context.Background(), "thread-1"))
	cancel()

	detached := Detach(parent)
	if detached.Err() != nil {
		t.Error("detached context should not be cancelled")
	}
	if GetThreadID(detached) != "thread-1" {
		t.Error("thread ID not carried over")
	}
}
