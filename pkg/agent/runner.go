package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/banca/internal/observability"
	"github.com/harun/banca/internal/tracing"
	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/toolexecutor"
)

// Runner drives agents: it calls the model, runs business tools through
// the tool executor and turns transfer tool calls into handoffs.
type Runner struct {
	toolExecutor    *toolexecutor.ToolExecutor
	logger          zerolog.Logger
	providerFactory ProviderCreator
	config          AgentConfig

	// Auth profiles
	authProfiles []AuthProfile
	authMu       sync.RWMutex

	providers   map[string]LLMProvider
	providersMu sync.Mutex

	now func() time.Time
}

// Config holds runner configuration
type Config struct {
	ToolExecutor    *toolexecutor.ToolExecutor
	Logger          *zerolog.Logger
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
	Agent           AgentConfig
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.ToolExecutor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	agentCfg := cfg.Agent
	defaults := DefaultConfig()
	if agentCfg.Model == "" {
		agentCfg.Model = defaults.Model
	}
	if agentCfg.MaxRetries <= 0 {
		agentCfg.MaxRetries = defaults.MaxRetries
	}
	if agentCfg.MaxToolTurns <= 0 {
		agentCfg.MaxToolTurns = defaults.MaxToolTurns
	}
	if agentCfg.RetryBaseDelay <= 0 {
		agentCfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if agentCfg.ToolTimeout <= 0 {
		agentCfg.ToolTimeout = defaults.ToolTimeout
	}
	if agentCfg.Temperature < 0 || agentCfg.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if agentCfg.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Runner{
		toolExecutor:    cfg.ToolExecutor,
		logger:          logger.With().Str("component", "agent").Logger(),
		providerFactory: providerFactory,
		config:          agentCfg,
		authProfiles:    append([]AuthProfile(nil), cfg.AuthProfiles...),
		providers:       make(map[string]LLMProvider),
		now:             time.Now,
	}, nil
}

// HandlerFor binds a definition to this runner. It has the shape of
// roster.HandlerFactory.
func (r *Runner) HandlerFor(def roster.Definition) (roster.Handler, error) {
	for _, name := range def.Tools {
		if r.toolExecutor.GetTool(name) == nil {
			return nil, fmt.Errorf("agent %s: tool not registered: %s", def.ID, name)
		}
	}
	return &agentHandler{runner: r, def: def}, nil
}

type agentHandler struct {
	runner *Runner
	def    roster.Definition
}

func (h *agentHandler) Respond(ctx context.Context, req roster.Request) (*roster.Reply, error) {
	return h.runner.Run(ctx, h.def, req)
}

// Run executes one agent invocation over the conversation history.
func (r *Runner) Run(ctx context.Context, def roster.Definition, req roster.Request) (*roster.Reply, error) {
	start := time.Now()
	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.NewAgentRunContext(ctx, string(def.ID))
	if req.ThreadID != "" {
		ctx = tracing.WithThreadID(ctx, req.ThreadID)
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"banca.agent",
		"agent.run",
		attribute.String("agent.id", string(def.ID)),
		attribute.String("thread.id", req.ThreadID),
	)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	tools, err := r.buildTools(def)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("failed to build tools: %w", err)
	}

	reply, providerName, err := r.executeWithTools(ctx, def, req, toAgentMessages(req.Messages), tools)
	observability.RecordAgentRun(string(def.ID), providerName, time.Since(start), err == nil)
	tracing.EndSpan(span, err)
	if err != nil {
		logger.Error().Err(err).Msg("Agent run failed")
		return nil, err
	}

	logger.Debug().
		Int("messages", len(reply.Messages)).
		Int("tool_calls", len(reply.ToolCalls)).
		Str("handoff", string(reply.Handoff)).
		Dur("duration", time.Since(start)).
		Msg("Agent run completed")

	return reply, nil
}

// buildTools declares the agent's business tools followed by one transfer
// tool per allowed target.
func (r *Runner) buildTools(def roster.Definition) ([]ToolSpec, error) {
	tools := make([]ToolSpec, 0, len(def.Tools)+len(def.Transfers))

	for _, name := range def.Tools {
		schema, err := r.toolExecutor.ParametersSchema(name)
		if err != nil {
			return nil, err
		}
		toolDef := r.toolExecutor.GetTool(name)
		if toolDef == nil {
			return nil, fmt.Errorf("%w: %s", toolexecutor.ErrToolNotFound, name)
		}
		tools = append(tools, ToolSpec{
			Name:        toolDef.Name,
			Description: toolDef.Description,
			InputSchema: schema,
		})
	}

	for _, target := range def.Transfers {
		tools = append(tools, ToolSpec{
			Name:        TransferToolName(target),
			Description: fmt.Sprintf("Transfer the conversation to the %s.", target),
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		})
	}

	return tools, nil
}

// executeWithTools handles the tool execution loop. A transfer ends the
// loop: calls after it in the same response are answered but not run.
func (r *Runner) executeWithTools(ctx context.Context, def roster.Definition, req roster.Request, messages []AgentMessage, tools []ToolSpec) (*roster.Reply, string, error) {
	agentName := string(def.ID)
	logger := tracing.LoggerFromContext(ctx, r.logger)
	reply := &roster.Reply{}
	providerName := ""
	policy := &toolexecutor.ToolPolicy{Allow: def.Tools}

	for turn := 0; turn < r.config.MaxToolTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, providerName, fmt.Errorf("agent run cancelled: %w", err)
		}

		response, name, err := r.complete(ctx, LLMRequest{
			Agent:        agentName,
			Model:        r.config.Model,
			Messages:     messages,
			Tools:        tools,
			Temperature:  r.config.Temperature,
			MaxTokens:    r.config.MaxTokens,
			SystemPrompt: def.Instruction,
		})
		if name != "" {
			providerName = name
		}
		if err != nil {
			return nil, providerName, err
		}

		calls := make([]conversation.ToolCall, 0, len(response.ToolCalls))
		for _, tc := range response.ToolCalls {
			calls = append(calls, conversation.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Parameters})
		}
		reply.Messages = append(reply.Messages, conversation.NewAgentMessage(agentName, response.Content, calls))
		if response.Content != "" {
			reply.Text = response.Content
		}

		if len(response.ToolCalls) == 0 {
			return reply, providerName, nil
		}

		messages = append(messages, AgentMessage{
			Role:      "assistant",
			Content:   response.Content,
			Name:      agentName,
			ToolCalls: response.ToolCalls,
		})

		var handoff roster.ID
		for i, toolCall := range response.ToolCalls {
			var content string

			target, isTransfer := ParseTransferTool(toolCall.Name)
			switch {
			case handoff != "":
				content = fmt.Sprintf("skipped: conversation already transferred to %s", handoff)
			case isTransfer && def.CanTransferTo(target):
				handoff = target
				content = fmt.Sprintf("Transferred to %s.", target)
				logger.Info().Str("to", string(target)).Msg("Agent requested handoff")
			case isTransfer:
				content = fmt.Sprintf("error: transfer to %s is not allowed", toolCall.Name[len(TransferToolPrefix):])
				logger.Warn().Str("tool", toolCall.Name).Msg("Rejected transfer")
			default:
				result := r.toolExecutor.Execute(ctx, toolCall.Name, toolCall.Parameters, &toolexecutor.ExecutionContext{
					ThreadID:   req.ThreadID,
					AgentID:    agentName,
					Timeout:    r.config.ToolTimeout,
					ToolPolicy: policy,
				})
				content = result.String()
				reply.ToolCalls = append(reply.ToolCalls, calls[i])
			}

			reply.Messages = append(reply.Messages, conversation.NewToolMessage(agentName, calls[i], content))
			messages = append(messages, AgentMessage{
				Role:       "tool",
				Content:    content,
				Name:       toolCall.Name,
				ToolCallID: toolCall.ID,
			})
		}

		if handoff != "" {
			reply.Handoff = handoff
			return reply, providerName, nil
		}
	}

	return nil, providerName, fmt.Errorf("agent %s: %w (%d)", agentName, ErrMaxToolTurns, r.config.MaxToolTurns)
}

// complete sends one request, failing over between auth profiles by
// priority. It returns the name of the provider that answered.
func (r *Runner) complete(ctx context.Context, request LLMRequest) (*LLMResponse, string, error) {
	profiles := r.sortedProfiles()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	var lastErr error
	for _, profile := range profiles {
		if profile.CooldownUntil != nil && r.now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().
				Str("profile_id", profile.ID).
				Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := r.provider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().
				Str("profile_id", profile.ID).
				Err(err).
				Msg("Failed to create provider")
			continue
		}

		response, err := r.callLLMWithRetry(ctx, provider, request)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			return response, provider.Provider(), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, provider.Provider(), ctxErr
		}

		lastErr = err
		logger.Warn().
			Str("profile_id", profile.ID).
			Err(err).
			Msg("Auth profile failed")

		r.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return nil, provider.Provider(), err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("every profile is cooling down")
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, "", fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// callLLMWithRetry calls LLM with exponential backoff retry
func (r *Runner) callLLMWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest) (*LLMResponse, error) {
	maxRetries := r.config.MaxRetries
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			if response == nil {
				return nil, fmt.Errorf("%s returned no response", provider.Provider())
			}
			return response, nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}

		if attempt == maxRetries-1 {
			break
		}

		delay := r.config.RetryBaseDelay * time.Duration(1<<attempt)
		r.logger.Info().
			Str("provider", provider.Provider()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

func (r *Runner) provider(profile AuthProfile) (LLMProvider, error) {
	r.providersMu.Lock()
	defer r.providersMu.Unlock()

	if p, ok := r.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := r.providerFactory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	r.providers[profile.ID] = p
	return p, nil
}

func (r *Runner) sortedProfiles() []AuthProfile {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()

	// lower = higher priority
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
	return profiles
}

// Profiles returns a snapshot of the auth profiles and their health.
func (r *Runner) Profiles() []AuthProfile {
	return r.sortedProfiles()
}

func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(r.authProfiles[i].Provider, false)
			break
		}
	}
}

// updateProfileFailure puts a profile in cooldown for one minute per
// consecutive failure.
func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			cooldownMs := r.now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &cooldownMs
			observability.SetProviderCooldown(r.authProfiles[i].Provider, true)
			break
		}
	}
}
