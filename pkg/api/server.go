package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/banca/internal/observability"
	"github.com/harun/banca/pkg/graph"
	"github.com/harun/banca/pkg/roster"
)

// Options configures the HTTP server.
type Options struct {
	Host               string
	Port               int
	RequestTimeout     time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
	ShutdownTimeout    time.Duration
	Logger             *zerolog.Logger
}

// Server exposes the conversation engine over HTTP and WebSocket.
type Server struct {
	options     Options
	engine      *graph.Engine
	registry    *roster.Registry
	server      *http.Server
	handler     http.Handler
	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startTime   time.Time

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup

	conns   map[*websocket.Conn]struct{}
	connsMu sync.Mutex
}

// NewServer creates a new API server
func NewServer(options Options, engine *graph.Engine, registry *roster.Registry) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.Port < 0 || options.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", options.Port)
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = 60 * time.Second
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 30 * time.Second
	}

	observability.EnsureRegistered()

	logger := log.Logger
	if options.Logger != nil {
		logger = *options.Logger
	}

	s := &Server{
		options:     options,
		engine:      engine,
		registry:    registry,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute, options.RateLimitBurst),
		logger:      logger.With().Str("component", "api").Logger(),
		startTime:   time.Now(),
		conns:       make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.handler = s.routes()

	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/agents", s.handleListAgents)
	api.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	api.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	api.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	api.HandleFunc("GET /v1/conversations/{id}/active-agent", s.handleActiveAgent)
	api.HandleFunc("POST /v1/conversations/{id}/messages", s.handlePostMessage)
	api.HandleFunc("GET /v1/conversations/{id}/ws", s.handleWebSocket)

	mux.Handle("/v1/", Chain(api,
		s.trackInFlight,
		RateLimit(s.rateLimiter, s.logger),
	))

	return Chain(mux,
		RequestContext(),
		RequestLogger(s.logger),
		Recovery(s.logger),
	)
}

// Handler returns the root handler. Useful with httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.options.Host, fmt.Sprintf("%d", s.options.Port))
}

// Start listens and serves until Stop. It returns nil after a clean stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, waiting for in-flight turns up to the
// shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")
	s.closeConnections()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.options.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown cancelled, forcing close")
	}

	s.rateLimiter.Stop()

	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown api server: %w", err)
	}

	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) trackInFlight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown() {
			writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()
		next.ServeHTTP(w, r)
	})
}
