// Package conversation holds the message types shared by the router,
// the agent runner and the checkpoint stores.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// ToolCall is a function invocation requested by an agent.
type ToolCall struct {
	ID        string                 `json:"id" bson:"id"`
	Name      string                 `json:"name" bson:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty" bson:"arguments,omitempty"`
}

// Message is one entry of a conversation history. Histories are append-only.
type Message struct {
	ID         string     `json:"id" bson:"id"`
	Role       Role       `json:"role" bson:"role"`
	Content    string     `json:"content" bson:"content"`
	Agent      string     `json:"agent,omitempty" bson:"agent,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty" bson:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty" bson:"tool_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
}

// NewUserMessage creates a user-authored message.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAgentMessage creates a message authored by the named agent.
func NewAgentMessage(agent, content string, calls []ToolCall) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAgent,
		Content:   content,
		Agent:     agent,
		ToolCalls: calls,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolMessage creates the result message for a tool call.
func NewToolMessage(agent string, call ToolCall, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		Content:    content,
		Agent:      agent,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		CreatedAt:  time.Now().UTC(),
	}
}

// Clone returns a deep copy of the history so callers can append freely.
func Clone(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if len(msg.ToolCalls) > 0 {
			out[i].ToolCalls = append([]ToolCall(nil), msg.ToolCalls...)
		}
	}
	return out
}

// LastUserContent returns the content of the most recent user message.
func LastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
