package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerRecord(t *testing.T) {
	var buf bytes.Buffer
	prev := SetAuditLogger(NewAuditLogger(&buf))
	t.Cleanup(func() { SetAuditLogger(prev) })

	RecordHandoffAudit(context.Background(), "thread-1", "coordinator_agent", "sales_agent")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "handoff", line["type"])
	assert.Equal(t, "coordinator_agent", line["actor"])
	assert.Equal(t, "handoff:sales_agent", line["action"])
	assert.Equal(t, "thread-1", line["thread"])
}

func TestInitAuditLogger(t *testing.T) {
	prev := SetAuditLogger(nil)
	t.Cleanup(func() {
		_ = GetAuditLogger().Close()
		SetAuditLogger(prev)
	})

	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))

	RecordToolAudit(context.Background(), "bank_transfer", "transactions_agent", "success", map[string]interface{}{"amount": 10})
	require.NoError(t, GetAuditLogger().Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"execute:bank_transfer"`)
}

func TestMetricsRecorders(t *testing.T) {
	EnsureRegistered()

	assert.NotPanics(t, func() {
		RecordTurn("start", 0, true)
		RecordHandoff("coordinator_agent", "sales_agent")
		RecordNodeExecution("human", false)
		RecordStoreOp("memory", "load", 0, nil)
		RecordAgentRun("sales_agent", "offline", 0, true)
		RecordQueueEnqueue("thread:x", 1)
		RecordQueueCompletion("thread:x", 0, true, 0)
		ForgetQueueLane("thread:x")
		RecordHTTPRequest("/health", 200)
	})
	assert.NotNil(t, MetricsHandler())
}
