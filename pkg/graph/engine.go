package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/banca/internal/observability"
	"github.com/harun/banca/internal/tracing"
	"github.com/harun/banca/pkg/commandqueue"
	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/store"
)

const tracerName = "banca.graph"

const persistTimeout = 10 * time.Second

// Store is the persistence the engine needs.
type Store interface {
	store.CheckpointStore
	store.ActiveAgentStore
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	ThreadID string
	Message  string
	// ResumeAt re-enters the graph directly at this agent, skipping the
	// pending trigger.
	ResumeAt roster.ID
	// RequestID makes retries of the same turn idempotent.
	RequestID string
}

// TurnResult is the state after a turn.
type TurnResult struct {
	ThreadID    string                 `json:"thread_id"`
	Messages    []conversation.Message `json:"messages"`
	NewMessages []conversation.Message `json:"new_messages"`
	ActiveAgent roster.ID              `json:"active_agent"`
	Interrupt   *store.Interrupt       `json:"interrupt,omitempty"`
}

// Reply returns the text of the last agent message of the turn.
func (r *TurnResult) Reply() string {
	if r == nil {
		return ""
	}
	for i := len(r.NewMessages) - 1; i >= 0; i-- {
		msg := r.NewMessages[i]
		if msg.Role == conversation.RoleAgent && msg.Content != "" {
			return msg.Content
		}
	}
	return ""
}

// Engine runs turns over the graph and persists a checkpoint after each.
type Engine struct {
	graph    *Graph
	registry *roster.Registry
	nodes    map[NodeID]*RouterNode
	human    HumanNode
	store    Store
	queue    *commandqueue.CommandQueue
	checker  MessageChecker
	logger   zerolog.Logger
}

// MessageChecker screens a user message before the turn runs.
type MessageChecker interface {
	CheckMessage(message string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithQueue serializes turns per thread through queue.
func WithQueue(queue *commandqueue.CommandQueue) Option {
	return func(e *Engine) {
		e.queue = queue
	}
}

// WithMessageChecker rejects user messages that fail checker.
func WithMessageChecker(checker MessageChecker) Option {
	return func(e *Engine) {
		e.checker = checker
	}
}

// NewEngine builds one router node per registered agent.
func NewEngine(registry *roster.Registry, st Store, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}

	observability.EnsureRegistered()

	e := &Engine{
		registry: registry,
		store:    st,
		logger:   log.Logger,
		nodes:    make(map[NodeID]*RouterNode),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "graph").Logger()

	ids := registry.IDs()
	for _, id := range ids {
		def, _ := registry.Definition(id)
		handler, err := registry.Handler(id)
		if err != nil {
			return nil, err
		}
		e.nodes[AgentNode(id)] = NewRouterNode(def, handler, st, e.logger)
	}
	e.graph = New(ids)

	return e, nil
}

// Graph returns the topology.
func (e *Engine) Graph() *Graph {
	return e.graph
}

// Turn delivers one user message and runs the graph until it suspends at
// the human node.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if err := validateTurn(&req); err != nil {
		return nil, err
	}

	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.WithThreadID(ctx, req.ThreadID)
	if req.RequestID != "" {
		ctx = tracing.WithRequestID(ctx, req.RequestID)
	}

	if e.checker != nil {
		if err := e.checker.CheckMessage(req.Message); err != nil {
			logger := tracing.LoggerFromContext(ctx, e.logger)
			logger.Warn().Err(err).Msg("User message rejected")
			observability.RecordConversationAudit(ctx, "message_rejected", req.ThreadID, "user")
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	if e.queue == nil {
		return e.turn(ctx, req)
	}

	value, err := e.queue.EnqueueWithContext(ctx, commandqueue.ThreadLane(req.ThreadID),
		func(ctx context.Context) (interface{}, error) {
			return e.turn(ctx, req)
		},
		&commandqueue.TaskOptions{RequestID: req.RequestID, WarnAfter: 10 * time.Second},
	)
	if err != nil {
		return nil, err
	}
	return value.(*TurnResult), nil
}

func validateTurn(req *TurnRequest) error {
	if err := store.ValidateThreadID(req.ThreadID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	if req.ResumeAt != "" && !req.ResumeAt.Valid() {
		return fmt.Errorf("%w: unknown resume agent %q", ErrInvalidRequest, req.ResumeAt)
	}
	return nil
}

func (e *Engine) turn(ctx context.Context, req TurnRequest) (result *TurnResult, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "graph.turn",
		attribute.String("thread_id", req.ThreadID),
	)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	start := time.Now()
	entry := "start"
	defer func() {
		observability.RecordTurn(entry, time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()

	cp, err := e.store.Load(ctx, req.ThreadID)
	if errors.Is(err, store.ErrNotFound) {
		cp = &store.Checkpoint{ThreadID: req.ThreadID, ActiveAgent: roster.Unknown}
	} else if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	seen := len(cp.Messages)
	userMsg := conversation.NewUserMessage(req.Message)

	var current NodeID
	var messages []conversation.Message
	switch {
	case req.ResumeAt != "":
		entry = "resume_at"
		current = AgentNode(req.ResumeAt)
		messages = append(conversation.Clone(cp.Messages), userMsg)
	case cp.Pending != nil:
		entry = "human"
		directive, err := e.human.Resume(cp.Pending.Triggers, userMsg, cp.Messages)
		if err != nil {
			observability.RecordNodeExecution(string(Human), false)
			logger.Error().Err(err).Int("triggers", len(cp.Pending.Triggers)).Msg("Cannot resume thread")
			return nil, err
		}
		observability.RecordNodeExecution(string(Human), true)
		if err := e.graph.Check(Human, directive.Next); err != nil {
			return nil, err
		}
		current = directive.Next
		messages = directive.Messages
	default:
		current = AgentNode(roster.Coordinator)
		if err := e.graph.Check(Start, current); err != nil {
			return nil, err
		}
		messages = append(conversation.Clone(cp.Messages), userMsg)
	}
	span.SetAttributes(attribute.String("entry", entry))

	from, directive, err := e.run(ctx, req.ThreadID, current, messages)
	if err != nil {
		return nil, err
	}
	if !directive.Active.Valid() {
		return nil, fmt.Errorf("%w: no active agent after %s", ErrInvalidEdge, from)
	}

	interrupt := e.human.Suspend(from, directive.Active)
	cp.Messages = directive.Messages
	cp.ActiveAgent = directive.Active
	cp.Pending = &interrupt
	cp.Step++

	// Tools may already have moved money; persist even if the caller is gone.
	saveCtx, cancel := context.WithTimeout(trace.ContextWithSpan(tracing.Detach(ctx), span), persistTimeout)
	defer cancel()
	if err := e.store.Save(saveCtx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	if err := e.store.SetActiveAgent(saveCtx, req.ThreadID, directive.Active); err != nil {
		return nil, fmt.Errorf("set active agent: %w", err)
	}

	if directive.Active != from {
		observability.RecordHandoff(string(from), string(directive.Active))
		observability.RecordHandoffAudit(ctx, req.ThreadID, string(from), string(directive.Active))
		logger.Info().
			Str("from", string(from)).
			Str("to", string(directive.Active)).
			Msg("Conversation handed off")
	}

	logger.Debug().
		Str("entry", entry).
		Str("agent", string(from)).
		Int("step", cp.Step).
		Msg("Turn completed")

	return &TurnResult{
		ThreadID:    req.ThreadID,
		Messages:    directive.Messages,
		NewMessages: conversation.Clone(directive.Messages[seen:]),
		ActiveAgent: directive.Active,
		Interrupt:   &interrupt,
	}, nil
}

// run executes agent nodes from current until one routes to the human node.
// It returns the agent that edged into human.
func (e *Engine) run(ctx context.Context, threadID string, current NodeID, messages []conversation.Message) (roster.ID, Directive, error) {
	ctx = tracing.NewAgentRunContext(ctx, string(current.Agent()))

	// Only the coordinator forwards, so a turn visits at most two agents.
	for hops := 0; hops <= len(e.nodes); hops++ {
		node, ok := e.nodes[current]
		if !ok {
			return "", Directive{}, fmt.Errorf("%w: no node %s", ErrInvalidEdge, current)
		}

		directive, err := e.runNode(ctx, threadID, node, messages)
		if err != nil {
			return "", Directive{}, err
		}
		if err := e.graph.Check(current, directive.Next); err != nil {
			return "", Directive{}, err
		}
		if directive.Next == Human {
			return current.Agent(), directive, nil
		}

		current = directive.Next
		messages = directive.Messages
		ctx = tracing.PropagateToHandoff(ctx, string(current.Agent()))
	}
	return "", Directive{}, fmt.Errorf("%w: turn did not reach the human node", ErrInvalidEdge)
}

func (e *Engine) runNode(ctx context.Context, threadID string, node *RouterNode, messages []conversation.Message) (Directive, error) {
	agentID := string(node.ID())
	ctx, span := tracing.StartSpan(ctx, tracerName, "graph.node",
		attribute.String("node", agentID),
	)

	directive, err := node.Run(ctx, threadID, messages)
	observability.RecordNodeExecution(agentID, err == nil)
	tracing.EndSpan(span, err)
	return directive, err
}

// Checkpoint returns the stored state of a thread.
func (e *Engine) Checkpoint(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return e.store.Load(ctx, threadID)
}

// ActiveAgent returns the agent that will answer the thread next. Threads
// without a record read as roster.Unknown.
func (e *Engine) ActiveAgent(ctx context.Context, threadID string) (roster.ID, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return roster.Unknown, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return e.store.GetActiveAgent(ctx, threadID)
}

// Delete drops queued turns of the thread and removes its state once the
// running turn, if any, has finished.
func (e *Engine) Delete(ctx context.Context, threadID string) error {
	if err := store.ValidateThreadID(threadID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	remove := func(ctx context.Context) (interface{}, error) {
		return nil, e.store.Delete(ctx, threadID)
	}

	var err error
	if e.queue != nil {
		lane := commandqueue.ThreadLane(threadID)
		e.queue.ClearLane(lane)
		_, err = e.queue.EnqueueWithContext(ctx, lane, remove, nil)
	} else {
		_, err = remove(ctx)
	}
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}

	observability.RecordConversationAudit(ctx, "delete", threadID, "api")
	e.logger.Info().Str("thread_id", threadID).Msg("Conversation deleted")
	return nil
}
