package agent

import (
	"errors"
	"strings"
	"time"

	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/roster"
)

// TransferToolPrefix prefixes the synthetic handoff tools offered to agents.
const TransferToolPrefix = "transfer_to_"

// ErrMaxToolTurns is returned when an agent keeps calling tools past the limit.
var ErrMaxToolTurns = errors.New("maximum tool execution turns exceeded")

// AgentConfig configures inference for every agent
type AgentConfig struct {
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	MaxRetries   int     `json:"max_retries,omitempty"`
	MaxToolTurns int     `json:"max_tool_turns,omitempty"`
	// RetryBaseDelay is doubled on every retry of a failed model call.
	RetryBaseDelay time.Duration `json:"-"`
	// ToolTimeout bounds each business tool call.
	ToolTimeout time.Duration `json:"-"`
}

// ToolCall represents a tool invocation
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai", "offline"
	APIKey        string `json:"api_key"`
	BaseURL       string `json:"base_url,omitempty"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// AgentMessage represents a message in the provider-neutral chat format
type AgentMessage struct {
	Role       string     `json:"role"` // user, assistant, tool
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec is a function declaration offered to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// DefaultConfig returns default agent configuration
func DefaultConfig() AgentConfig {
	return AgentConfig{
		Model:          "gpt-4o-mini",
		Temperature:    0.2,
		MaxTokens:      1024,
		MaxRetries:     3,
		MaxToolTurns:   10,
		RetryBaseDelay: time.Second,
		ToolTimeout:    30 * time.Second,
	}
}

// TransferToolName is the tool an agent calls to hand off to target.
func TransferToolName(target roster.ID) string {
	return TransferToolPrefix + string(target)
}

// ParseTransferTool reports whether name is a handoff tool and, if so, the
// agent it names. An unrecognized agent yields roster.Unknown.
func ParseTransferTool(name string) (roster.ID, bool) {
	if !strings.HasPrefix(name, TransferToolPrefix) {
		return "", false
	}
	return roster.Lookup(strings.TrimPrefix(name, TransferToolPrefix)), true
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "connection refused", "timeout",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}

	return false
}

// toAgentMessages converts a stored history into the chat format. Messages
// authored by other agents stay assistant turns so the model sees the whole
// conversation.
func toAgentMessages(history []conversation.Message) []AgentMessage {
	out := make([]AgentMessage, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case conversation.RoleUser:
			out = append(out, AgentMessage{Role: "user", Content: msg.Content})
		case conversation.RoleAgent:
			am := AgentMessage{Role: "assistant", Content: msg.Content, Name: msg.Agent}
			for _, tc := range msg.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Parameters: tc.Arguments})
			}
			out = append(out, am)
		case conversation.RoleTool:
			out = append(out, AgentMessage{Role: "tool", Content: msg.Content, Name: msg.ToolName, ToolCallID: msg.ToolCallID})
		}
	}
	return out
}
