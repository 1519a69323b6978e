package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/banca/internal/tracing"
	"github.com/harun/banca/pkg/commandqueue"
	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/store"
)

// scripted answers each agent with a fixed handoff table keyed by the last
// user message and records which agents ran.
type scripted struct {
	mu       sync.Mutex
	ran      []roster.ID
	handoffs map[string]roster.ID
	err      error
	onRun    func(ctx context.Context, id roster.ID)
}

func (s *scripted) factory(def roster.Definition) (roster.Handler, error) {
	return roster.HandlerFunc(func(ctx context.Context, req roster.Request) (*roster.Reply, error) {
		s.mu.Lock()
		s.ran = append(s.ran, def.ID)
		s.mu.Unlock()
		if s.onRun != nil {
			s.onRun(ctx, def.ID)
		}
		if s.err != nil {
			return nil, s.err
		}

		reply := &roster.Reply{}
		text := conversation.LastUserContent(req.Messages)
		if target, ok := s.handoffs[text]; ok && def.CanTransferTo(target) {
			reply.Handoff = target
		}
		reply.Text = string(def.ID) + " says hi"
		reply.Messages = []conversation.Message{
			conversation.NewAgentMessage(string(def.ID), reply.Text, nil),
		}
		return reply, nil
	}), nil
}

func (s *scripted) agents() []roster.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]roster.ID(nil), s.ran...)
}

func (s *scripted) reset() {
	s.mu.Lock()
	s.ran = nil
	s.mu.Unlock()
}

func newTestEngine(t *testing.T, s *scripted, opts ...Option) (*Engine, *store.MemoryStore) {
	t.Helper()
	registry, err := roster.NewRegistry(roster.DefaultDefinitions(), s.factory)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	engine, err := NewEngine(registry, st, opts...)
	require.NoError(t, err)
	return engine, st
}

func TestEngine_FirstTurnRoutesToCoordinator(t *testing.T) {
	s := &scripted{}
	engine, st := newTestEngine(t, s)
	ctx := context.Background()

	res, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, []roster.ID{roster.Coordinator}, s.agents())
	assert.Equal(t, roster.Coordinator, res.ActiveAgent)
	assert.Len(t, res.Messages, 2)
	assert.Len(t, res.NewMessages, 2)
	assert.Equal(t, "coordinator_agent says hi", res.Reply())
	require.NotNil(t, res.Interrupt)
	assert.Equal(t, store.InterruptReady, res.Interrupt.Value)

	cp, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Step)
	assert.Equal(t, roster.Coordinator, cp.ActiveAgent)
	require.NotNil(t, cp.Pending)
	assert.Equal(t, []store.Trigger{{From: roster.Coordinator, To: roster.Coordinator}}, cp.Pending.Triggers)
}

func TestEngine_HandoffThenDirectRouting(t *testing.T) {
	s := &scripted{handoffs: map[string]roster.ID{"I want to open an account": roster.Sales}}
	engine, st := newTestEngine(t, s)
	ctx := context.Background()

	res, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "I want to open an account"})
	require.NoError(t, err)
	assert.Equal(t, roster.Sales, res.ActiveAgent)
	assert.Equal(t, []roster.ID{roster.Coordinator}, s.agents())

	active, err := st.GetActiveAgent(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, roster.Sales, active)

	s.reset()
	res, err = engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "$5000"})
	require.NoError(t, err)
	assert.Equal(t, []roster.ID{roster.Sales}, s.agents())
	assert.Equal(t, roster.Sales, res.ActiveAgent)
	assert.Len(t, res.Messages, 4)
	assert.Len(t, res.NewMessages, 2)
	assert.Equal(t, []store.Trigger{{From: roster.Sales, To: roster.Sales}}, res.Interrupt.Triggers)
}

func TestEngine_CoordinatorForwardsWithoutPending(t *testing.T) {
	s := &scripted{}
	engine, st := newTestEngine(t, s)
	ctx := context.Background()

	require.NoError(t, st.SetActiveAgent(ctx, "t1", roster.Transactions))

	res, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "balance please"})
	require.NoError(t, err)
	assert.Equal(t, []roster.ID{roster.Transactions}, s.agents())
	assert.Equal(t, roster.Transactions, res.ActiveAgent)
	assert.Equal(t, []store.Trigger{{From: roster.Transactions, To: roster.Transactions}}, res.Interrupt.Triggers)
}

func TestEngine_UnknownActiveRunsCoordinator(t *testing.T) {
	s := &scripted{}
	engine, st := newTestEngine(t, s)
	ctx := context.Background()

	require.NoError(t, st.SetActiveAgent(ctx, "t1", roster.Unknown))

	res, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []roster.ID{roster.Coordinator}, s.agents())
	assert.Equal(t, roster.Coordinator, res.ActiveAgent)
}

func TestEngine_ResumeAt(t *testing.T) {
	s := &scripted{handoffs: map[string]roster.ID{"open": roster.Sales}}
	engine, _ := newTestEngine(t, s)
	ctx := context.Background()

	_, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "open"})
	require.NoError(t, err)

	s.reset()
	res, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "where is a branch", ResumeAt: roster.CustomerSupport})
	require.NoError(t, err)
	assert.Equal(t, []roster.ID{roster.CustomerSupport}, s.agents())
	assert.Equal(t, roster.CustomerSupport, res.ActiveAgent)
}

func TestEngine_TriggerCountAbortsTurn(t *testing.T) {
	for _, triggers := range [][]store.Trigger{
		{},
		{{From: roster.Coordinator, To: roster.Sales}, {From: roster.Sales, To: roster.CustomerSupport}},
	} {
		t.Run("", func(t *testing.T) {
			s := &scripted{}
			engine, st := newTestEngine(t, s)
			ctx := context.Background()

			require.NoError(t, st.Save(ctx, &store.Checkpoint{
				ThreadID:    "t1",
				ActiveAgent: roster.Sales,
				Pending:     &store.Interrupt{Value: store.InterruptReady, Triggers: triggers},
				Step:        3,
			}))

			_, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "hi"})
			assert.ErrorIs(t, err, ErrTriggerCount)
			assert.Empty(t, s.agents())

			cp, err := st.Load(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, 3, cp.Step)
			assert.Empty(t, cp.Messages)
		})
	}
}

func TestEngine_ExactlyOneActiveAgentAfterEveryTurn(t *testing.T) {
	s := &scripted{handoffs: map[string]roster.ID{
		"loan":    roster.Sales,
		"help":    roster.CustomerSupport,
		"balance": roster.Transactions,
	}}
	engine, st := newTestEngine(t, s)
	ctx := context.Background()

	for _, msg := range []string{"hi", "loan", "help", "balance", "thanks"} {
		res, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: msg})
		require.NoError(t, err, msg)
		assert.True(t, res.ActiveAgent.Valid(), msg)
		require.Len(t, res.Interrupt.Triggers, 1, msg)

		active, err := st.GetActiveAgent(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, res.ActiveAgent, active, msg)
	}
}

func TestEngine_HandlerErrorPropagates(t *testing.T) {
	boom := errors.New("model unavailable")
	s := &scripted{err: boom}
	engine, st := newTestEngine(t, s)
	ctx := context.Background()

	_, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "hi"})
	assert.ErrorIs(t, err, boom)

	_, err = st.Load(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_InvalidRequest(t *testing.T) {
	engine, _ := newTestEngine(t, &scripted{})
	ctx := context.Background()

	tests := []TurnRequest{
		{ThreadID: "", Message: "hi"},
		{ThreadID: "../etc", Message: "hi"},
		{ThreadID: "t1", Message: "   "},
		{ThreadID: "t1", Message: "hi", ResumeAt: "nobody"},
	}
	for _, req := range tests {
		_, err := engine.Turn(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
	}
}

type rejectDigits struct{}

func (rejectDigits) CheckMessage(message string) error {
	if strings.ContainsAny(message, "0123456789") {
		return errors.New("digits not allowed")
	}
	return nil
}

func TestEngine_MessageCheckerRejectsBeforeRunning(t *testing.T) {
	s := &scripted{}
	engine, st := newTestEngine(t, s, WithMessageChecker(rejectDigits{}))
	ctx := context.Background()

	_, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "card 4111"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "digits not allowed")
	assert.Empty(t, s.agents())

	_, err = st.Load(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []roster.ID{roster.Coordinator}, s.agents())
}

func TestEngine_QueueDedupsRetries(t *testing.T) {
	queue := commandqueue.New()
	defer queue.Close()

	s := &scripted{}
	engine, _ := newTestEngine(t, s, WithQueue(queue))
	ctx := context.Background()

	req := TurnRequest{ThreadID: "t1", Message: "hi", RequestID: "r-1"}
	first, err := engine.Turn(ctx, req)
	require.NoError(t, err)
	second, err := engine.Turn(ctx, req)
	require.NoError(t, err)

	assert.Len(t, s.agents(), 1)
	assert.Equal(t, first.Messages, second.Messages)
}

func TestEngine_QueueSerializesThread(t *testing.T) {
	queue := commandqueue.New()
	defer queue.Close()

	s := &scripted{}
	engine, st := newTestEngine(t, s, WithQueue(queue))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "hi"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cp, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, cp.Step)
	assert.Len(t, cp.Messages, 10)
}

func TestEngine_DeleteAndLookups(t *testing.T) {
	queue := commandqueue.New()
	defer queue.Close()

	s := &scripted{handoffs: map[string]roster.ID{"loan": roster.Sales}}
	engine, _ := newTestEngine(t, s, WithQueue(queue))
	ctx := context.Background()

	_, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "loan"})
	require.NoError(t, err)

	active, err := engine.ActiveAgent(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, roster.Sales, active)

	cp, err := engine.Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, cp.Messages, 2)

	require.NoError(t, engine.Delete(ctx, "t1"))

	_, err = engine.Checkpoint(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	active, err = engine.ActiveAgent(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, roster.Unknown, active)

	_, err = engine.Checkpoint(ctx, "../x")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(nil, store.NewMemoryStore())
	assert.Error(t, err)

	registry, err := roster.NewRegistry(roster.DefaultDefinitions(), (&scripted{}).factory)
	require.NoError(t, err)
	_, err = NewEngine(registry, nil)
	assert.Error(t, err)
}

// strictStore fails writes made with a finished context.
type strictStore struct {
	*store.MemoryStore
}

func (s strictStore) Save(ctx context.Context, cp *store.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Save(ctx, cp)
}

func TestEngine_PersistsAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &scripted{onRun: func(context.Context, roster.ID) { cancel() }}
	registry, err := roster.NewRegistry(roster.DefaultDefinitions(), s.factory)
	require.NoError(t, err)
	st := strictStore{store.NewMemoryStore()}
	engine, err := NewEngine(registry, st, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	_, err = engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "hello"})
	require.NoError(t, err)

	cp, err := st.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Step)
}

func TestEngine_ForwardKeepsTraceWithNewRun(t *testing.T) {
	type seen struct{ agent, run, trace string }
	var mu sync.Mutex
	var runs []seen

	s := &scripted{onRun: func(ctx context.Context, _ roster.ID) {
		mu.Lock()
		defer mu.Unlock()
		runs = append(runs, seen{tracing.GetAgentID(ctx), tracing.GetRunID(ctx), tracing.GetTraceID(ctx)})
	}}
	engine, st := newTestEngine(t, s)
	ctx := tracing.WithTraceID(context.Background(), "trace-1")

	require.NoError(t, st.SetActiveAgent(ctx, "t1", roster.Sales))
	_, err := engine.Turn(ctx, TurnRequest{ThreadID: "t1", Message: "hi"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, runs, 1)
	assert.Equal(t, string(roster.Sales), runs[0].agent)
	assert.Equal(t, "trace-1", runs[0].trace)
	assert.NotEmpty(t, runs[0].run)
}
