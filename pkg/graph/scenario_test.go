package graph_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/banca/pkg/agent"
	"github.com/harun/banca/pkg/banking"
	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/graph"
	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/store"
	"github.com/harun/banca/pkg/toolexecutor"
)

func newOfflineEngine(t *testing.T) (*graph.Engine, *banking.Ledger) {
	t.Helper()
	logger := zerolog.Nop()

	ledger, err := banking.NewLedger(map[string]float64{"1234567890": 500})
	require.NoError(t, err)

	exec := toolexecutor.New(toolexecutor.Options{Logger: &logger})
	require.NoError(t, banking.Register(exec, ledger, banking.Options{}))

	runner, err := agent.NewRunner(agent.Config{
		ToolExecutor: exec,
		Logger:       &logger,
		AuthProfiles: []agent.AuthProfile{{ID: "offline", Provider: "offline"}},
	})
	require.NoError(t, err)

	registry, err := roster.NewRegistry(roster.DefaultDefinitions(), runner.HandlerFor)
	require.NoError(t, err)

	engine, err := graph.NewEngine(registry, store.NewMemoryStore(), graph.WithLogger(logger))
	require.NoError(t, err)
	return engine, ledger
}

func TestScenario_OpenAccount(t *testing.T) {
	engine, ledger := newOfflineEngine(t)
	ctx := context.Background()

	res, err := engine.Turn(ctx, graph.TurnRequest{ThreadID: "s1", Message: "I want to open an account"})
	require.NoError(t, err)
	assert.Equal(t, roster.Sales, res.ActiveAgent)
	assert.Equal(t, roster.Coordinator, res.Interrupt.Triggers[0].From)

	res, err = engine.Turn(ctx, graph.TurnRequest{ThreadID: "s1", Message: "$5000"})
	require.NoError(t, err)
	assert.Equal(t, roster.Sales, res.ActiveAgent)
	assert.Equal(t, roster.Sales, res.Interrupt.Triggers[0].From)
	for _, msg := range res.NewMessages {
		if msg.Role == conversation.RoleAgent {
			assert.Equal(t, string(roster.Sales), msg.Agent)
		}
	}

	before := len(ledger.Accounts())
	res, err = engine.Turn(ctx, graph.TurnRequest{ThreadID: "s1", Message: "My name is Jane Doe"})
	require.NoError(t, err)
	assert.Equal(t, roster.Sales, res.ActiveAgent)
	assert.Len(t, ledger.Accounts(), before+1)
	assert.NotEmpty(t, res.Reply())
}

func TestScenario_BalanceLookup(t *testing.T) {
	engine, _ := newOfflineEngine(t)
	ctx := context.Background()

	res, err := engine.Turn(ctx, graph.TurnRequest{ThreadID: "s2", Message: "What's my account balance?"})
	require.NoError(t, err)
	assert.Equal(t, roster.Transactions, res.ActiveAgent)

	res, err = engine.Turn(ctx, graph.TurnRequest{ThreadID: "s2", Message: "it's 1234567890"})
	require.NoError(t, err)
	assert.Equal(t, roster.Transactions, res.ActiveAgent)
	assert.Contains(t, res.Reply(), "500.00")
}

func TestScenario_UnknownStartsAtCoordinator(t *testing.T) {
	engine, _ := newOfflineEngine(t)
	ctx := context.Background()

	active, err := engine.ActiveAgent(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, roster.Unknown, active)

	res, err := engine.Turn(ctx, graph.TurnRequest{ThreadID: "s3", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, roster.Coordinator, res.ActiveAgent)
	assert.Contains(t, res.Reply(), "Welcome")
}
