package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/store"
)

func definition(t *testing.T, id roster.ID) roster.Definition {
	t.Helper()
	for _, def := range roster.DefaultDefinitions() {
		if def.ID == id {
			return def
		}
	}
	t.Fatalf("no definition for %s", id)
	return roster.Definition{}
}

type failingActiveStore struct{}

func (failingActiveStore) GetActiveAgent(context.Context, string) (roster.ID, error) {
	return roster.Unknown, errors.New("backend down")
}

func (failingActiveStore) SetActiveAgent(context.Context, string, roster.ID) error {
	return nil
}

func replyHandler(reply *roster.Reply, calls *int) roster.Handler {
	return roster.HandlerFunc(func(ctx context.Context, req roster.Request) (*roster.Reply, error) {
		*calls++
		return reply, nil
	})
}

func TestRouterNode_CoordinatorShortcut(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.SetActiveAgent(ctx, "t1", roster.Sales))

	calls := 0
	node := NewRouterNode(definition(t, roster.Coordinator), replyHandler(&roster.Reply{}, &calls), st, zerolog.Nop())

	history := []conversation.Message{conversation.NewUserMessage("$5000")}
	directive, err := node.Run(ctx, "t1", history)
	require.NoError(t, err)

	assert.Equal(t, 0, calls)
	assert.Equal(t, AgentNode(roster.Sales), directive.Next)
	assert.Equal(t, roster.Sales, directive.Active)
	assert.Equal(t, history, directive.Messages)
}

func TestRouterNode_CoordinatorRunsWithoutRecord(t *testing.T) {
	for _, active := range []roster.ID{roster.Unknown, roster.Coordinator} {
		t.Run(string(active), func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemoryStore()
			if active != roster.Unknown {
				require.NoError(t, st.SetActiveAgent(ctx, "t1", active))
			}

			calls := 0
			reply := &roster.Reply{Messages: []conversation.Message{
				conversation.NewAgentMessage(string(roster.Coordinator), "Welcome", nil),
			}}
			node := NewRouterNode(definition(t, roster.Coordinator), replyHandler(reply, &calls), st, zerolog.Nop())

			directive, err := node.Run(ctx, "t1", []conversation.Message{conversation.NewUserMessage("hi")})
			require.NoError(t, err)

			assert.Equal(t, 1, calls)
			assert.Equal(t, Human, directive.Next)
			assert.Equal(t, roster.Coordinator, directive.Active)
			assert.Len(t, directive.Messages, 2)
		})
	}
}

func TestRouterNode_LookupFailureRunsCoordinator(t *testing.T) {
	calls := 0
	node := NewRouterNode(definition(t, roster.Coordinator), replyHandler(&roster.Reply{}, &calls), failingActiveStore{}, zerolog.Nop())

	directive, err := node.Run(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, roster.Coordinator, directive.Active)
}

func TestRouterNode_Handoff(t *testing.T) {
	calls := 0
	reply := &roster.Reply{Handoff: roster.Sales}
	node := NewRouterNode(definition(t, roster.Coordinator), replyHandler(reply, &calls), nil, zerolog.Nop())

	directive, err := node.Run(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, Human, directive.Next)
	assert.Equal(t, roster.Sales, directive.Active)
}

func TestRouterNode_DisallowedHandoff(t *testing.T) {
	calls := 0
	reply := &roster.Reply{Handoff: roster.Transactions}
	node := NewRouterNode(definition(t, roster.Sales), replyHandler(reply, &calls), nil, zerolog.Nop())

	_, err := node.Run(context.Background(), "t1", nil)
	assert.ErrorIs(t, err, ErrInvalidEdge)
}

func TestRouterNode_HandlerError(t *testing.T) {
	boom := errors.New("model unavailable")
	handler := roster.HandlerFunc(func(ctx context.Context, req roster.Request) (*roster.Reply, error) {
		return nil, boom
	})
	node := NewRouterNode(definition(t, roster.Sales), handler, nil, zerolog.Nop())

	_, err := node.Run(context.Background(), "t1", nil)
	assert.ErrorIs(t, err, boom)
}

func TestHumanNode_Resume(t *testing.T) {
	var human HumanNode
	msg := conversation.NewUserMessage("$5000")
	history := []conversation.Message{conversation.NewUserMessage("open an account")}

	directive, err := human.Resume([]store.Trigger{{From: roster.Coordinator, To: roster.Sales}}, msg, history)
	require.NoError(t, err)
	assert.Equal(t, AgentNode(roster.Sales), directive.Next)
	assert.Len(t, directive.Messages, 2)
	assert.Len(t, history, 1)
}

func TestHumanNode_TriggerCount(t *testing.T) {
	var human HumanNode
	msg := conversation.NewUserMessage("hi")

	_, err := human.Resume(nil, msg, nil)
	assert.ErrorIs(t, err, ErrTriggerCount)

	_, err = human.Resume([]store.Trigger{
		{From: roster.Coordinator, To: roster.Sales},
		{From: roster.Sales, To: roster.CustomerSupport},
	}, msg, nil)
	assert.ErrorIs(t, err, ErrTriggerCount)
}

func TestHumanNode_UnresolvedTargetFallsBackToCoordinator(t *testing.T) {
	var human HumanNode
	directive, err := human.Resume([]store.Trigger{{From: roster.Sales, To: roster.Unknown}}, conversation.NewUserMessage("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, AgentNode(roster.Coordinator), directive.Next)
}

func TestHumanNode_Suspend(t *testing.T) {
	interrupt := HumanNode{}.Suspend(roster.Coordinator, roster.Sales)
	assert.Equal(t, store.InterruptReady, interrupt.Value)
	assert.Equal(t, []store.Trigger{{From: roster.Coordinator, To: roster.Sales}}, interrupt.Triggers)
}
