package agent

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/toolexecutor"
)

type mockProvider struct {
	mock.Mock
	name string
}

func (m *mockProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	args := m.Called(ctx, request)
	resp, _ := args.Get(0).(*LLMResponse)
	return resp, args.Error(1)
}

func (m *mockProvider) Provider() string { return m.name }

type staticFactory map[string]LLMProvider

func (f staticFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	p, ok := f[profile.ID]
	if !ok {
		return nil, errors.New("no provider for " + profile.ID)
	}
	return p, nil
}

func salesDefinition() roster.Definition {
	return roster.Definition{
		ID:          roster.Sales,
		Instruction: "You are a sales agent.",
		Tools:       []string{"test_tool"},
		Transfers:   []roster.ID{roster.CustomerSupport},
	}
}

func setupTestRunner(t *testing.T, profiles []AuthProfile, factory ProviderCreator) (*Runner, *int) {
	t.Helper()

	te := toolexecutor.New()
	calls := 0
	err := te.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "test_tool",
		Description: "A test tool",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "input", Type: "string", Description: "Test input", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			calls++
			return "test result", nil
		},
	})
	require.NoError(t, err)

	logger := zerolog.New(io.Discard)
	runner, err := NewRunner(Config{
		ToolExecutor:    te,
		Logger:          &logger,
		AuthProfiles:    profiles,
		ProviderFactory: factory,
		Agent: AgentConfig{
			Model:          "test-model",
			MaxRetries:     2,
			MaxToolTurns:   3,
			RetryBaseDelay: time.Millisecond,
			ToolTimeout:    time.Second,
		},
	})
	require.NoError(t, err)
	return runner, &calls
}

func setupSingleRunner(t *testing.T, p *mockProvider) (*Runner, *int) {
	t.Helper()
	return setupTestRunner(t, []AuthProfile{{ID: "primary", Provider: p.name, Priority: 1}}, staticFactory{"primary": p})
}

func userRequest(text string) roster.Request {
	return roster.Request{
		ThreadID: "thread-1",
		Agent:    roster.Sales,
		Messages: []conversation.Message{conversation.NewUserMessage(text)},
	}
}

func TestNewRunner(t *testing.T) {
	t.Run("should fail without tool executor", func(t *testing.T) {
		_, err := NewRunner(Config{AuthProfiles: []AuthProfile{{ID: "x", Provider: "offline"}}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "tool executor")
	})

	t.Run("should fail without auth profiles", func(t *testing.T) {
		_, err := NewRunner(Config{ToolExecutor: toolexecutor.New()})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "auth profile")
	})

	t.Run("should reject invalid temperature", func(t *testing.T) {
		_, err := NewRunner(Config{
			ToolExecutor: toolexecutor.New(),
			AuthProfiles: []AuthProfile{{ID: "x", Provider: "offline"}},
			Agent:        AgentConfig{Temperature: 3},
		})
		assert.Error(t, err)
	})

	t.Run("should apply defaults", func(t *testing.T) {
		r, err := NewRunner(Config{
			ToolExecutor: toolexecutor.New(),
			AuthProfiles: []AuthProfile{{ID: "x", Provider: "offline"}},
		})
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().MaxToolTurns, r.config.MaxToolTurns)
		assert.Equal(t, DefaultConfig().Model, r.config.Model)
	})
}

func TestHandlerFor_UnknownTool(t *testing.T) {
	p := &mockProvider{name: "mock"}
	runner, _ := setupSingleRunner(t, p)

	def := salesDefinition()
	def.Tools = []string{"missing_tool"}
	_, err := runner.HandlerFor(def)
	assert.Error(t, err)
}

func TestBuildTools(t *testing.T) {
	p := &mockProvider{name: "mock"}
	runner, _ := setupSingleRunner(t, p)

	tools, err := runner.buildTools(salesDefinition())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "test_tool", tools[0].Name)
	assert.Equal(t, []string{"input"}, tools[0].InputSchema["required"])
	assert.Equal(t, "transfer_to_customer_support_agent", tools[1].Name)
}

func TestBuildTools_MissingSchemaFailsTheRun(t *testing.T) {
	p := &mockProvider{name: "mock"}
	runner, _ := setupSingleRunner(t, p)

	handler, err := runner.HandlerFor(salesDefinition())
	require.NoError(t, err)
	runner.toolExecutor.UnregisterTool("test_tool")

	_, err = runner.buildTools(salesDefinition())
	assert.ErrorIs(t, err, toolexecutor.ErrToolNotFound)

	_, err = handler.Respond(context.Background(), userRequest("I want an account"))
	require.Error(t, err)
	assert.ErrorIs(t, err, toolexecutor.ErrToolNotFound)
	p.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
}

func TestRun_PlainReply(t *testing.T) {
	p := &mockProvider{name: "mock"}
	p.On("Call", mock.Anything, mock.MatchedBy(func(req LLMRequest) bool {
		return req.Agent == "sales_agent" && req.SystemPrompt == "You are a sales agent." && len(req.Messages) == 1
	})).Return(&LLMResponse{Content: "How much would you like to deposit?"}, nil).Once()

	runner, _ := setupSingleRunner(t, p)
	handler, err := runner.HandlerFor(salesDefinition())
	require.NoError(t, err)

	reply, err := handler.Respond(context.Background(), userRequest("I want an account"))
	require.NoError(t, err)

	assert.Equal(t, "How much would you like to deposit?", reply.Text)
	assert.False(t, reply.HasHandoff())
	require.Len(t, reply.Messages, 1)
	assert.Equal(t, conversation.RoleAgent, reply.Messages[0].Role)
	assert.Equal(t, "sales_agent", reply.Messages[0].Agent)
	p.AssertExpectations(t)
}

func TestRun_ToolLoop(t *testing.T) {
	p := &mockProvider{name: "mock"}
	p.On("Call", mock.Anything, mock.Anything).Return(&LLMResponse{
		Content:   "Let me check.",
		ToolCalls: []ToolCall{{ID: "c1", Name: "test_tool", Parameters: map[string]interface{}{"input": "x"}}},
	}, nil).Once()
	p.On("Call", mock.Anything, mock.MatchedBy(func(req LLMRequest) bool {
		last := req.Messages[len(req.Messages)-1]
		return last.Role == "tool" && last.ToolCallID == "c1" && last.Content == "test result"
	})).Return(&LLMResponse{Content: "Done."}, nil).Once()

	runner, calls := setupSingleRunner(t, p)

	reply, err := runner.Run(context.Background(), salesDefinition(), userRequest("go"))
	require.NoError(t, err)

	assert.Equal(t, 1, *calls)
	assert.Equal(t, "Done.", reply.Text)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "test_tool", reply.ToolCalls[0].Name)
	require.Len(t, reply.Messages, 3)
	assert.Equal(t, conversation.RoleTool, reply.Messages[1].Role)
	assert.Equal(t, "c1", reply.Messages[1].ToolCallID)
	p.AssertExpectations(t)
}

func TestRun_HandoffIsFinalAction(t *testing.T) {
	p := &mockProvider{name: "mock"}
	p.On("Call", mock.Anything, mock.Anything).Return(&LLMResponse{
		Content: "Customer support will help you.",
		ToolCalls: []ToolCall{
			{ID: "c1", Name: "transfer_to_customer_support_agent", Parameters: map[string]interface{}{}},
			{ID: "c2", Name: "test_tool", Parameters: map[string]interface{}{"input": "x"}},
		},
	}, nil).Once()

	runner, calls := setupSingleRunner(t, p)

	reply, err := runner.Run(context.Background(), salesDefinition(), userRequest("help"))
	require.NoError(t, err)

	assert.Equal(t, roster.CustomerSupport, reply.Handoff)
	assert.Equal(t, 0, *calls, "calls after a handoff are not executed")
	assert.Empty(t, reply.ToolCalls)
	require.Len(t, reply.Messages, 3)
	assert.Contains(t, reply.Messages[1].Content, "Transferred to customer_support_agent")
	assert.Contains(t, reply.Messages[2].Content, "skipped")
	p.AssertExpectations(t)
}

func TestRun_DisallowedTransfer(t *testing.T) {
	p := &mockProvider{name: "mock"}
	p.On("Call", mock.Anything, mock.Anything).Return(&LLMResponse{
		ToolCalls: []ToolCall{{ID: "c1", Name: "transfer_to_transactions_agent"}},
	}, nil).Once()
	p.On("Call", mock.Anything, mock.MatchedBy(func(req LLMRequest) bool {
		last := req.Messages[len(req.Messages)-1]
		return last.Role == "tool" && last.Content == "error: transfer to transactions_agent is not allowed"
	})).Return(&LLMResponse{Content: "I can't do that."}, nil).Once()

	runner, _ := setupSingleRunner(t, p)

	reply, err := runner.Run(context.Background(), salesDefinition(), userRequest("balance"))
	require.NoError(t, err)

	assert.False(t, reply.HasHandoff())
	assert.Equal(t, "I can't do that.", reply.Text)
	p.AssertExpectations(t)
}

func TestRun_MaxToolTurns(t *testing.T) {
	p := &mockProvider{name: "mock"}
	p.On("Call", mock.Anything, mock.Anything).Return(&LLMResponse{
		ToolCalls: []ToolCall{{ID: "c", Name: "test_tool", Parameters: map[string]interface{}{"input": "x"}}},
	}, nil)

	runner, _ := setupSingleRunner(t, p)

	_, err := runner.Run(context.Background(), salesDefinition(), userRequest("loop"))
	assert.ErrorIs(t, err, ErrMaxToolTurns)
	p.AssertNumberOfCalls(t, "Call", 3)
}

func TestRun_RetryThenSuccess(t *testing.T) {
	p := &mockProvider{name: "mock"}
	p.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("503 service unavailable")).Once()
	p.On("Call", mock.Anything, mock.Anything).Return(&LLMResponse{Content: "ok"}, nil).Once()

	runner, _ := setupSingleRunner(t, p)

	reply, err := runner.Run(context.Background(), salesDefinition(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Text)
	p.AssertExpectations(t)
}

func TestRun_FailoverToNextProfile(t *testing.T) {
	primary := &mockProvider{name: "openai"}
	primary.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("429 rate limit"))
	backup := &mockProvider{name: "anthropic"}
	backup.On("Call", mock.Anything, mock.Anything).Return(&LLMResponse{Content: "from backup"}, nil)

	profiles := []AuthProfile{
		{ID: "backup", Provider: "anthropic", Priority: 2},
		{ID: "primary", Provider: "openai", Priority: 1},
	}
	runner, _ := setupTestRunner(t, profiles, staticFactory{"primary": primary, "backup": backup})
	now := time.Now()
	runner.now = func() time.Time { return now }

	reply, err := runner.Run(context.Background(), salesDefinition(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "from backup", reply.Text)
	primary.AssertNumberOfCalls(t, "Call", 2)

	// primary is cooling down and is skipped on the next run
	_, err = runner.Run(context.Background(), salesDefinition(), userRequest("again"))
	require.NoError(t, err)
	primary.AssertNumberOfCalls(t, "Call", 2)

	var primaryState AuthProfile
	for _, prof := range runner.Profiles() {
		if prof.ID == "primary" {
			primaryState = prof
		}
	}
	assert.Equal(t, 1, primaryState.FailureCount)
	require.NotNil(t, primaryState.CooldownUntil)
	assert.Equal(t, now.UnixMilli()+60000, *primaryState.CooldownUntil)
}

func TestRun_PermanentErrorStopsFailover(t *testing.T) {
	primary := &mockProvider{name: "openai"}
	primary.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("401 invalid api key"))
	backup := &mockProvider{name: "anthropic"}

	profiles := []AuthProfile{
		{ID: "primary", Provider: "openai", Priority: 1},
		{ID: "backup", Provider: "anthropic", Priority: 2},
	}
	runner, _ := setupTestRunner(t, profiles, staticFactory{"primary": primary, "backup": backup})

	_, err := runner.Run(context.Background(), salesDefinition(), userRequest("hi"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	primary.AssertNumberOfCalls(t, "Call", 1)
	backup.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
}

func TestRun_AllProfilesCoolingDown(t *testing.T) {
	p := &mockProvider{name: "mock"}
	future := time.Now().Add(time.Hour).UnixMilli()
	profiles := []AuthProfile{{ID: "primary", Provider: "mock", CooldownUntil: &future}}
	runner, _ := setupTestRunner(t, profiles, staticFactory{"primary": p})

	_, err := runner.Run(context.Background(), salesDefinition(), userRequest("hi"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "all auth profiles failed")
	p.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
}

func TestRun_Cancelled(t *testing.T) {
	p := &mockProvider{name: "mock"}
	runner, _ := setupSingleRunner(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, salesDefinition(), userRequest("hi"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("429 Too Many Requests")))
	assert.True(t, IsRetryableError(errors.New("read: connection reset by peer")))
	assert.True(t, IsRetryableError(errors.New("502 bad gateway")))
	assert.False(t, IsRetryableError(errors.New("400 bad request")))
}

func TestParseTransferTool(t *testing.T) {
	id, ok := ParseTransferTool("transfer_to_sales_agent")
	assert.True(t, ok)
	assert.Equal(t, roster.Sales, id)

	id, ok = ParseTransferTool("transfer_to_nobody")
	assert.True(t, ok)
	assert.Equal(t, roster.Unknown, id)

	_, ok = ParseTransferTool("bank_balance")
	assert.False(t, ok)
}

func TestToAgentMessages(t *testing.T) {
	call := conversation.ToolCall{ID: "c1", Name: "bank_balance", Arguments: map[string]interface{}{"account_number": "1"}}
	history := []conversation.Message{
		conversation.NewUserMessage("hi"),
		conversation.NewAgentMessage("transactions_agent", "checking", []conversation.ToolCall{call}),
		conversation.NewToolMessage("transactions_agent", call, "100"),
	}

	out := toAgentMessages(history)
	require.Len(t, out, 3)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
	assert.Equal(t, "c1", out[1].ToolCalls[0].ID)
	assert.Equal(t, "tool", out[2].Role)
	assert.Equal(t, "c1", out[2].ToolCallID)
}
