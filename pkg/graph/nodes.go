package graph

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/banca/internal/observability"
	"github.com/harun/banca/internal/tracing"
	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/store"
)

// Directive is what a node decided: the updated history, where to go next
// and which agent receives the next user message.
type Directive struct {
	Messages []conversation.Message
	Next     NodeID
	Active   roster.ID
}

// RouterNode invokes one agent and turns its reply into a Directive.
type RouterNode struct {
	def     roster.Definition
	handler roster.Handler
	active  store.ActiveAgentStore
	logger  zerolog.Logger
}

// NewRouterNode binds an agent definition to its handler. The active-agent
// store is only consulted by the coordinator.
func NewRouterNode(def roster.Definition, handler roster.Handler, active store.ActiveAgentStore, logger zerolog.Logger) *RouterNode {
	return &RouterNode{
		def:     def,
		handler: handler,
		active:  active,
		logger:  logger,
	}
}

// ID returns the node ID.
func (n *RouterNode) ID() NodeID {
	return AgentNode(n.def.ID)
}

// Run executes the node for one turn.
func (n *RouterNode) Run(ctx context.Context, threadID string, messages []conversation.Message) (Directive, error) {
	logger := tracing.LoggerFromContext(ctx, n.logger)

	if n.def.ID == roster.Coordinator {
		if target, ok := n.shortcut(ctx, threadID, logger); ok {
			observability.RecordCoordinatorShortcut()
			logger.Debug().Str("target", string(target)).Msg("Forwarding to active agent")
			return Directive{Messages: messages, Next: AgentNode(target), Active: target}, nil
		}
	}

	reply, err := n.handler.Respond(ctx, roster.Request{
		ThreadID: threadID,
		Agent:    n.def.ID,
		Messages: conversation.Clone(messages),
	})
	if err != nil {
		return Directive{}, fmt.Errorf("agent %s: %w", n.def.ID, err)
	}
	if reply == nil {
		reply = &roster.Reply{}
	}

	updated := append(conversation.Clone(messages), reply.Messages...)
	active := n.def.ID
	if reply.HasHandoff() {
		if !n.def.CanTransferTo(reply.Handoff) {
			return Directive{}, fmt.Errorf("%w: %s cannot hand off to %s", ErrInvalidEdge, n.def.ID, reply.Handoff)
		}
		active = reply.Handoff
	}

	return Directive{Messages: updated, Next: Human, Active: active}, nil
}

// shortcut returns the recorded active agent when the coordinator should
// step aside for it. A failed lookup falls back to running the coordinator.
func (n *RouterNode) shortcut(ctx context.Context, threadID string, logger zerolog.Logger) (roster.ID, bool) {
	if n.active == nil {
		return roster.Unknown, false
	}
	id, err := n.active.GetActiveAgent(ctx, threadID)
	if err != nil {
		logger.Warn().Err(err).Msg("Active agent lookup failed, coordinator will answer")
		return roster.Unknown, false
	}
	if !id.Valid() || id == roster.Coordinator {
		return roster.Unknown, false
	}
	return id, true
}

// HumanNode suspends a thread until the next user message.
type HumanNode struct{}

// Suspend records that from handed the floor back to the user and that
// active should answer next.
func (HumanNode) Suspend(from, active roster.ID) store.Interrupt {
	return store.Interrupt{
		Value:    store.InterruptReady,
		Triggers: []store.Trigger{{From: from, To: active}},
	}
}

// Resume appends the user message and routes to the agent named by the
// single pending trigger.
func (HumanNode) Resume(triggers []store.Trigger, msg conversation.Message, history []conversation.Message) (Directive, error) {
	if len(triggers) != 1 {
		return Directive{}, fmt.Errorf("%w: got %d, want 1", ErrTriggerCount, len(triggers))
	}

	target := triggers[0].To
	if !target.Valid() {
		// An unresolved target falls back to the coordinator.
		target = roster.Coordinator
	}

	messages := append(conversation.Clone(history), msg)
	return Directive{Messages: messages, Next: AgentNode(target), Active: target}, nil
}
