package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/banca/pkg/agent"
	"github.com/harun/banca/pkg/banking"
	"github.com/harun/banca/pkg/commandqueue"
	"github.com/harun/banca/pkg/graph"
	"github.com/harun/banca/pkg/moderation"
	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/store"
	"github.com/harun/banca/pkg/toolexecutor"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	store  *store.MemoryStore
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
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

	queue := commandqueue.New(commandqueue.Options{Logger: &logger})
	t.Cleanup(func() { _ = queue.Close() })

	st := store.NewMemoryStore()
	engine, err := graph.NewEngine(registry, st, graph.WithLogger(logger), graph.WithQueue(queue))
	require.NoError(t, err)

	opts.Logger = &logger
	server, err := NewServer(opts, engine, registry)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		server.rateLimiter.Stop()
	})

	return &testEnv{server: server, http: ts, store: st}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		var raw []byte
		if s, ok := body.(string); ok {
			raw = []byte(s)
		} else {
			var err error
			raw, err = json.Marshal(body)
			require.NoError(t, err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]interface{}](t, body)["status"])
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, _ := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ListAgents(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.do(t, http.MethodGet, "/v1/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[struct {
		Agents []AgentInfo `json:"agents"`
	}](t, body)
	require.Len(t, got.Agents, 4)
	assert.Equal(t, roster.Coordinator, got.Agents[0].ID)
	assert.NotNil(t, got.Agents[0].Tools)
}

func TestServer_CreateConversation(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.do(t, http.MethodPost, "/v1/conversations", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[map[string]string](t, body)["thread_id"]
	assert.NoError(t, store.ValidateThreadID(id))

	resp, _ = env.do(t, http.MethodGet, "/v1/conversations/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CreateConversationWithMessage(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.do(t, http.MethodPost, "/v1/conversations", MessageRequest{Message: "I want to open an account"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	turn := decode[TurnResponse](t, body)
	assert.NotEmpty(t, turn.ThreadID)
	assert.Equal(t, roster.Sales, turn.ActiveAgent)
	assert.NotEmpty(t, turn.Reply)
}

func TestServer_ConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	base := "/v1/conversations/t-1"

	resp, body := env.do(t, http.MethodPost, base+"/messages", MessageRequest{Message: "I want to open an account"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, roster.Sales, decode[TurnResponse](t, body).ActiveAgent)

	resp, body = env.do(t, http.MethodPost, base+"/messages", MessageRequest{Message: "$5000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turn := decode[TurnResponse](t, body)
	assert.Equal(t, roster.Sales, turn.ActiveAgent)
	require.NotNil(t, turn.Interrupt)
	assert.Equal(t, store.InterruptReady, turn.Interrupt.Value)

	resp, body = env.do(t, http.MethodGet, base+"/active-agent", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sales_agent", decode[map[string]string](t, body)["active_agent"])

	resp, body = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cp := decode[store.Checkpoint](t, body)
	assert.Equal(t, 2, cp.Step)
	assert.Equal(t, roster.Sales, cp.ActiveAgent)

	resp, _ = env.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, base+"/active-agent", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unknown", decode[map[string]string](t, body)["active_agent"])
}

func TestServer_ResumeAt(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.do(t, http.MethodPost, "/v1/conversations/t-2/messages",
		MessageRequest{Message: "where is your nearest branch?", ResumeAt: "customer_support_agent"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, roster.CustomerSupport, decode[TurnResponse](t, body).ActiveAgent)
}

func TestServer_BadRequests(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{"empty message", "/v1/conversations/t-1/messages", MessageRequest{Message: " "}},
		{"unknown resume agent", "/v1/conversations/t-1/messages", MessageRequest{Message: "hi", ResumeAt: "teller"}},
		{"malformed json", "/v1/conversations/t-1/messages", "{"},
		{"unknown field", "/v1/conversations/t-1/messages", `{"text":"hi"}`},
		{"invalid thread id", "/v1/conversations/a..b/messages", MessageRequest{Message: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
			assert.NotEmpty(t, decode[errorResponse](t, body).Error)
		})
	}
}

func TestServer_TriggerInvariantIsInternalError(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.store.Save(context.Background(), &store.Checkpoint{
		ThreadID: "broken",
		Pending:  &store.Interrupt{Value: store.InterruptReady},
	}))

	resp, body := env.do(t, http.MethodPost, "/v1/conversations/broken/messages", MessageRequest{Message: "hi"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal error", decode[errorResponse](t, body).Error)
}

func TestServer_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t, Options{})
	path := "/v1/conversations/t-3/messages"
	msg := MessageRequest{Message: "hello"}

	resp, first := env.do(t, http.MethodPost, path, msg, idempotencyHeader, "key-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, second := env.do(t, http.MethodPost, path, msg, idempotencyHeader, "key-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, string(first), string(second))

	cp, err := env.store.Load(context.Background(), "t-3")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Step)
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RateLimitPerMinute: 1, RateLimitBurst: 1})

	resp, _ := env.do(t, http.MethodGet, "/v1/agents", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/v1/agents", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", decode[errorResponse](t, body).Error)

	resp, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_WebSocketChat(t *testing.T) {
	env := newTestEnv(t, Options{})

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/conversations/ws-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(WSRequest{Message: "What's my account balance?"}))
	var resp WSResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Turn, resp.Error)
	assert.Equal(t, roster.Transactions, resp.Turn.ActiveAgent)

	require.NoError(t, conn.WriteJSON(WSRequest{Message: "it's 1234567890"}))
	resp = WSResponse{}
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Turn, resp.Error)
	assert.Contains(t, resp.Turn.Reply, "500.00")

	require.NoError(t, conn.WriteJSON(WSRequest{Message: ""}))
	resp = WSResponse{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Nil(t, resp.Turn)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestServer_StopRejectsNewRequests(t *testing.T) {
	env := newTestEnv(t, Options{ShutdownTimeout: time.Second})

	require.NoError(t, env.server.Stop(context.Background()))

	resp, _ := env.do(t, http.MethodGet, "/v1/agents", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: %w", graph.ErrInvalidRequest, moderation.ErrBlocked), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", graph.ErrInvalidRequest), http.StatusBadRequest},
		{store.ErrInvalidThreadID, http.StatusBadRequest},
		{roster.ErrUnknownAgent, http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{commandqueue.ErrLaneCleared, http.StatusConflict},
		{commandqueue.ErrClosed, http.StatusServiceUnavailable},
		{graph.ErrTriggerCount, http.StatusInternalServerError},
		{fmt.Errorf("model down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Options{}, nil, nil)
	assert.Error(t, err)
}
