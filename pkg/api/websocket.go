package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/banca/internal/observability"
	"github.com/harun/banca/internal/tracing"
	"github.com/harun/banca/pkg/store"
)

// WSRequest is one client frame on the chat socket.
type WSRequest struct {
	Message   string `json:"message"`
	ResumeAt  string `json:"resume_at,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WSResponse is one server frame. Exactly one of Turn and Error is set.
type WSResponse struct {
	Turn   *TurnResponse `json:"turn,omitempty"`
	Error  string        `json:"error,omitempty"`
	Status int           `json:"status,omitempty"`
}

// handleWebSocket runs a chat session for one thread. Each text frame is a
// WSRequest and is answered with a WSResponse.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	if err := store.ValidateThreadID(threadID); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	s.trackConn(conn, true)
	observability.AddWebsocketConnections(1)
	ctx := tracing.WithThreadID(r.Context(), threadID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("ip", clientIP(r)).Msg("Chat client connected")

	defer func() {
		conn.Close()
		s.trackConn(conn, false)
		observability.AddWebsocketConnections(-1)
		logger.Info().Msg("Chat client disconnected")
	}()

	ip := clientIP(r)
	for {
		var frame WSRequest
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}

		if allowed, _ := s.rateLimiter.Allow(ip); !allowed {
			observability.RecordRateLimited()
			if err := conn.WriteJSON(WSResponse{Error: "rate limit exceeded", Status: http.StatusTooManyRequests}); err != nil {
				return
			}
			continue
		}

		resp := s.chatTurn(ctx, threadID, frame)
		if err := conn.WriteJSON(resp); err != nil {
			logger.Warn().Err(err).Msg("Failed to send response")
			return
		}
	}
}

func (s *Server) chatTurn(ctx context.Context, threadID string, frame WSRequest) WSResponse {
	req, err := turnRequest(threadID, MessageRequest{Message: frame.Message, ResumeAt: frame.ResumeAt}, frame.RequestID)
	if err != nil {
		return WSResponse{Error: err.Error(), Status: statusFor(err)}
	}

	ctx, cancel := context.WithTimeout(tracing.NewRequestContext(ctx), s.options.RequestTimeout)
	defer cancel()

	res, err := s.engine.Turn(ctx, req)
	if err != nil {
		status := statusFor(err)
		message := err.Error()
		if status == http.StatusInternalServerError {
			logger := tracing.LoggerFromContext(ctx, s.logger)
			logger.Error().Err(err).Msg("Chat turn failed")
			message = "internal error"
		}
		return WSResponse{Error: message, Status: status}
	}

	turn := newTurnResponse(res)
	return WSResponse{Turn: &turn}
}

func (s *Server) trackConn(conn *websocket.Conn, add bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	deadline := time.Now().Add(time.Second)
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		conn.Close()
	}
}
