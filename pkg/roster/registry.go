package roster

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/banca/pkg/conversation"
)

// Request is the input to a single agent invocation.
type Request struct {
	ThreadID string
	Agent    ID
	Messages []conversation.Message
}

// Reply is what an agent produced during one invocation. Handoff is kept
// apart from ToolCalls so routing never travels inside a business tool
// payload.
type Reply struct {
	// Messages are the new agent and tool messages, in order.
	Messages  []conversation.Message
	Text      string
	ToolCalls []conversation.ToolCall
	// Handoff is empty when the agent keeps the conversation.
	Handoff ID
}

// HasHandoff reports whether the agent asked to transfer the conversation.
func (r *Reply) HasHandoff() bool {
	return r != nil && r.Handoff != ""
}

// Handler runs one agent over the conversation history.
type Handler interface {
	Respond(ctx context.Context, req Request) (*Reply, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (*Reply, error)

// Respond calls f.
func (f HandlerFunc) Respond(ctx context.Context, req Request) (*Reply, error) {
	return f(ctx, req)
}

// HandlerFactory builds the handler for a definition.
type HandlerFactory func(def Definition) (Handler, error)

// Registry is the immutable dispatch table from agent ID to definition and
// handler. Build it once at startup with NewRegistry.
type Registry struct {
	defs     map[ID]Definition
	handlers map[ID]Handler
}

// NewRegistry validates defs and binds a handler to each agent. Every agent
// in All must be defined exactly once.
func NewRegistry(defs []Definition, factory HandlerFactory) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("handler factory is required")
	}

	r := &Registry{
		defs:     make(map[ID]Definition, len(defs)),
		handlers: make(map[ID]Handler, len(defs)),
	}

	for _, def := range defs {
		if !def.ID.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, def.ID)
		}
		if _, exists := r.defs[def.ID]; exists {
			return nil, fmt.Errorf("duplicate agent definition: %s", def.ID)
		}
		for _, target := range def.Transfers {
			if !target.Valid() {
				return nil, fmt.Errorf("agent %s: transfer target: %w: %q", def.ID, ErrUnknownAgent, target)
			}
			if target == def.ID {
				return nil, fmt.Errorf("agent %s cannot transfer to itself", def.ID)
			}
		}
		def.Tools = append([]string(nil), def.Tools...)
		def.Transfers = append([]ID(nil), def.Transfers...)
		r.defs[def.ID] = def
	}

	for _, id := range all {
		def, ok := r.defs[id]
		if !ok {
			return nil, fmt.Errorf("missing agent definition: %s", id)
		}
		handler, err := factory(def)
		if err != nil {
			return nil, fmt.Errorf("build handler for %s: %w", id, err)
		}
		if handler == nil {
			return nil, fmt.Errorf("nil handler for %s", id)
		}
		r.handlers[id] = handler
	}

	return r, nil
}

// Handler returns the handler bound to id.
func (r *Registry) Handler(id ID) (Handler, error) {
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	return h, nil
}

// Definition returns a copy of the definition for id.
func (r *Registry) Definition(id ID) (Definition, bool) {
	def, ok := r.defs[id]
	if !ok {
		return Definition{}, false
	}
	def.Tools = append([]string(nil), def.Tools...)
	def.Transfers = append([]ID(nil), def.Transfers...)
	return def, true
}

// IDs lists the registered agents in a stable order.
func (r *Registry) IDs() []ID {
	return All()
}
