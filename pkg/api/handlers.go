package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/banca/internal/tracing"
	"github.com/harun/banca/pkg/commandqueue"
	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/graph"
	"github.com/harun/banca/pkg/moderation"
	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/store"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

// MessageRequest is the body of a posted user message.
type MessageRequest struct {
	Message  string `json:"message"`
	ResumeAt string `json:"resume_at,omitempty"`
}

// TurnResponse is returned after a turn.
type TurnResponse struct {
	ThreadID    string                 `json:"thread_id"`
	ActiveAgent roster.ID              `json:"active_agent"`
	Reply       string                 `json:"reply"`
	Messages    []conversation.Message `json:"messages"`
	Interrupt   *store.Interrupt       `json:"interrupt,omitempty"`
}

// AgentInfo describes one agent.
type AgentInfo struct {
	ID          roster.ID   `json:"id"`
	Description string      `json:"description"`
	Tools       []string    `json:"tools"`
	Transfers   []roster.ID `json:"transfers"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newTurnResponse(res *graph.TurnResult) TurnResponse {
	return TurnResponse{
		ThreadID:    res.ThreadID,
		ActiveAgent: res.ActiveAgent,
		Reply:       res.Reply(),
		Messages:    res.NewMessages,
		Interrupt:   res.Interrupt,
	}
}

// NewThreadID generates a conversation thread ID.
func NewThreadID() (string, error) {
	return gonanoid.New()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.IDs()
	agents := make([]AgentInfo, 0, len(ids))
	for _, id := range ids {
		def, _ := s.registry.Definition(id)
		agents = append(agents, AgentInfo{
			ID:          def.ID,
			Description: def.Description,
			Tools:       nonNil(def.Tools),
			Transfers:   nonNil(def.Transfers),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

// handleCreateConversation allocates a thread ID. An optional first message
// in the body is delivered right away.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body MessageRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	threadID, err := NewThreadID()
	if err != nil {
		s.writeError(w, r, fmt.Errorf("generate thread id: %w", err))
		return
	}

	if strings.TrimSpace(body.Message) == "" {
		writeJSON(w, http.StatusCreated, map[string]string{"thread_id": threadID})
		return
	}

	res, err := s.turn(r, threadID, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTurnResponse(res))
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body MessageRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.turn(r, r.PathValue("id"), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTurnResponse(res))
}

func (s *Server) turn(r *http.Request, threadID string, body MessageRequest) (*graph.TurnResult, error) {
	req, err := turnRequest(threadID, body, r.Header.Get(idempotencyHeader))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.options.RequestTimeout)
	defer cancel()
	return s.engine.Turn(ctx, req)
}

func turnRequest(threadID string, body MessageRequest, requestID string) (graph.TurnRequest, error) {
	req := graph.TurnRequest{
		ThreadID:  threadID,
		Message:   body.Message,
		RequestID: requestID,
	}
	if body.ResumeAt != "" {
		id, err := roster.Parse(body.ResumeAt)
		if err != nil {
			return req, fmt.Errorf("%w: resume_at: %v", graph.ErrInvalidRequest, err)
		}
		req.ResumeAt = id
	}
	return req, nil
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	cp, err := s.engine.Checkpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleActiveAgent(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	active, err := s.engine.ActiveAgent(r.Context(), threadID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id":    threadID,
		"active_agent": active,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	if _, err := s.engine.Checkpoint(r.Context(), threadID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Delete(r.Context(), threadID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, moderation.ErrBlocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, graph.ErrInvalidRequest),
		errors.Is(err, store.ErrInvalidThreadID),
		errors.Is(err, roster.ErrUnknownAgent):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, commandqueue.ErrLaneCleared):
		return http.StatusConflict
	case errors.Is(err, commandqueue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		message = "internal error"
	}
	writeJSONError(w, status, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
