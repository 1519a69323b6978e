package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/banca/internal/config"
	"github.com/harun/banca/internal/logger"
	"github.com/harun/banca/internal/observability"
	"github.com/harun/banca/internal/tracing"
	"github.com/harun/banca/pkg/agent"
	"github.com/harun/banca/pkg/api"
	"github.com/harun/banca/pkg/banking"
	"github.com/harun/banca/pkg/commandqueue"
	"github.com/harun/banca/pkg/graph"
	"github.com/harun/banca/pkg/moderation"
	"github.com/harun/banca/pkg/retention"
	"github.com/harun/banca/pkg/roster"
	"github.com/harun/banca/pkg/store"
	"github.com/harun/banca/pkg/toolexecutor"
)

const shutdownTimeout = 30 * time.Second

// Daemon owns every long-lived component of the banca service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store        store.Store
	ledger       *banking.Ledger
	toolExecutor *toolexecutor.ToolExecutor
	agentRunner  *agent.Runner
	registry     *roster.Registry
	queue        *commandqueue.CommandQueue
	engine       *graph.Engine

	contentFilter *moderation.ContentFilter

	// Services
	apiServer *api.Server
	sweeper   *retention.Sweeper

	lifecycle *LifecycleManager

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	serveErr chan error

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status reports whether the daemon is serving and for how long.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
}

var newAgentRunner = func(cfg agent.Config) (*agent.Runner, error) {
	return agent.NewRunner(cfg)
}

// New creates a daemon with every module built from cfg. Nothing listens
// until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:   cfg,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		serveErr: make(chan error, 1),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds storage, tools, agents and the graph engine
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	st, err := store.Open(d.ctx, storeOptions(cfg))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st
	d.logger.Info().Str("backend", st.Backend()).Msg("Conversation store initialized")

	ledger, err := banking.NewLedger(cfg.Banking.SeedAccounts)
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	d.ledger = ledger

	toolLogger := d.logger.Component("toolexecutor")
	d.toolExecutor = toolexecutor.New(toolexecutor.Options{
		DefaultTimeout: time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
		Logger:         &toolLogger,
	})
	if err := banking.Register(d.toolExecutor, ledger, banking.Options{
		LoanAnnualRate: cfg.Banking.LoanAnnualRate,
	}); err != nil {
		return fmt.Errorf("failed to register banking tools: %w", err)
	}
	d.logger.Info().Int("tools", len(d.toolExecutor.ListTools())).Msg("Tool executor initialized")

	agentLogger := d.logger.Component("agent")
	runner, err := newAgentRunner(agent.Config{
		ToolExecutor: d.toolExecutor,
		Logger:       &agentLogger,
		AuthProfiles: convertAuthProfiles(cfg),
		Agent: agent.AgentConfig{
			Model:        cfg.Agents.Model,
			Temperature:  cfg.Agents.Temperature,
			MaxTokens:    cfg.Agents.MaxTokens,
			MaxRetries:   cfg.Agents.MaxRetries,
			MaxToolTurns: cfg.Agents.MaxToolTurns,
			ToolTimeout:  time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.agentRunner = runner
	d.logger.Info().Msg("Agent runner initialized")

	defs := roster.DefaultDefinitions()
	if cfg.Agents.DefinitionsFile != "" {
		defs, err = roster.LoadDefinitions(cfg.Agents.DefinitionsFile, defs)
		if err != nil {
			return fmt.Errorf("failed to load agent definitions: %w", err)
		}
	}
	registry, err := roster.NewRegistry(defs, runner.HandlerFor)
	if err != nil {
		return fmt.Errorf("failed to build agent registry: %w", err)
	}
	d.registry = registry
	d.logger.Info().Int("agents", len(registry.IDs())).Msg("Agent registry initialized")

	filter, err := moderation.New(moderation.Options{
		Enabled:         cfg.Moderation.Enabled,
		BlockedKeywords: cfg.Moderation.BlockedKeywords,
		BlockedPatterns: cfg.Moderation.BlockedPatterns,
	})
	if err != nil {
		return fmt.Errorf("failed to create content filter: %w", err)
	}
	d.contentFilter = filter
	d.logger.Info().Bool("enabled", filter.Enabled()).Msg("Content moderation initialized")

	queueLogger := d.logger.Component("commandqueue")
	d.queue = commandqueue.New(commandqueue.Options{Logger: &queueLogger})
	d.bindQueueEvents()
	d.logger.Info().Msg("Command queue initialized")

	engine, err := graph.NewEngine(registry, st,
		graph.WithQueue(d.queue),
		graph.WithMessageChecker(filter),
		graph.WithLogger(d.logger.Component("graph")),
	)
	if err != nil {
		return fmt.Errorf("failed to create graph engine: %w", err)
	}
	d.engine = engine
	d.logger.Info().Int("edges", len(engine.Graph().Edges())).Msg("Graph engine initialized")

	return nil
}

func (d *Daemon) bindQueueEvents() {
	d.queue.On("deduplicated", func(evt commandqueue.Event) {
		threadID, ok := commandqueue.ThreadFromLane(evt.Lane)
		if !ok {
			return
		}
		observability.RecordConversationAudit(context.Background(), "turn_replayed", threadID, "api")
	})
}

// initializeServices builds the API server and the retention sweeper
func (d *Daemon) initializeServices() error {
	cfg := d.config

	apiLogger := d.logger.Component("api")
	server, err := api.NewServer(api.Options{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		RequestTimeout:     time.Duration(cfg.Server.RequestTimeout) * time.Second,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
		ShutdownTimeout:    shutdownTimeout,
		Logger:             &apiLogger,
	}, d.engine, d.registry)
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}
	d.apiServer = server
	d.logger.Info().Str("addr", server.Addr()).Msg("API server initialized")

	if cfg.Retention.Enabled {
		retentionLogger := d.logger.Component("retention")
		sweeper, err := retention.NewSweeper(retention.Options{
			Store:    d.store,
			MaxAge:   time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
			Schedule: cfg.Retention.Schedule,
			Logger:   &retentionLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to create retention sweeper: %w", err)
		}
		d.sweeper = sweeper
		d.logger.Info().Str("schedule", cfg.Retention.Schedule).Msg("Retention sweeper initialized")
	}

	return nil
}

func storeOptions(cfg *config.Config) store.Options {
	sc := cfg.Store
	opts := store.Options{
		Backend:    sc.Backend,
		Dir:        sc.Dir,
		SQLitePath: sc.SQLitePath,
		Redis: store.RedisOptions{
			Addr:      sc.Redis.Addr,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			KeyPrefix: sc.Redis.KeyPrefix,
		},
		Mongo: store.MongoOptions{
			URI:                  sc.Mongo.URI,
			Database:             sc.Mongo.Database,
			CheckpointCollection: sc.Mongo.CheckpointCollection,
			UserDataCollection:   sc.Mongo.UserDataCollection,
		},
	}
	if opts.Dir == "" {
		opts.Dir = filepath.Join(cfg.DataDir, "conversations")
	}
	if opts.SQLitePath == "" {
		opts.SQLitePath = filepath.Join(cfg.DataDir, "banca.db")
	}
	return opts
}

// convertAuthProfiles maps configured providers to runner profiles. Offline
// mode, or no profiles at all, selects the deterministic offline provider.
func convertAuthProfiles(cfg *config.Config) []agent.AuthProfile {
	if cfg.Agents.Offline || len(cfg.AI.Profiles) == 0 {
		return []agent.AuthProfile{{ID: "offline", Provider: "offline"}}
	}
	result := make([]agent.AuthProfile, len(cfg.AI.Profiles))
	for i, p := range cfg.AI.Profiles {
		result[i] = agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		}
	}
	return result
}

// Start writes the PID file, starts the sweeper and serves the API in the
// background.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting banca daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.sweeper != nil {
		if err := d.sweeper.Start(); err != nil {
			_ = d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to start retention sweeper: %w", err)
		}
		logger.Info().Msg("Retention sweeper started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server stopped with error")
			d.serveErr <- err
		}
	}()

	logger.Info().Str("addr", d.apiServer.Addr()).Msg("Daemon started successfully")

	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops serving, waits for in-flight turns and releases every module.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping banca daemon")

	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.apiServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop API server")
		errs = append(errs, err)
	}
	d.wg.Wait()

	if d.sweeper != nil && d.sweeper.IsRunning() {
		if err := d.sweeper.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop retention sweeper")
			errs = append(errs, err)
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		errs = append(errs, err)
	}

	if err := d.Close(); err != nil {
		errs = append(errs, err)
	}

	logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// Close releases the queue, the store and tracing. It is used directly by
// callers that never Start the daemon, such as the chat REPL.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	return d.release()
}

func (d *Daemon) release() error {
	var errs []error
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close command queue")
			errs = append(errs, err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close store")
			errs = append(errs, err)
		}
	}
	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(context.Background()); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to shutdown tracing")
		}
		d.tracingEnabled = false
	}
	d.cancel()
	return errors.Join(errs...)
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Addr:    d.apiServer.Addr(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT, SIGTERM or a server failure, then stops the
// daemon.
func (d *Daemon) Wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case serveErr = <-d.serveErr:
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
		return errors.Join(serveErr, err)
	}
	return serveErr
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetEngine returns the conversation graph engine
func (d *Daemon) GetEngine() *graph.Engine {
	return d.engine
}

// GetRegistry returns the agent registry
func (d *Daemon) GetRegistry() *roster.Registry {
	return d.registry
}

// GetStore returns the conversation store
func (d *Daemon) GetStore() store.Store {
	return d.store
}

// GetLedger returns the banking ledger behind the tools
func (d *Daemon) GetLedger() *banking.Ledger {
	return d.ledger
}

func (d *Daemon) GetQueue() *commandqueue.CommandQueue {
	return d.queue
}

func (d *Daemon) GetAPIServer() *api.Server {
	return d.apiServer
}

func (d *Daemon) GetSweeper() *retention.Sweeper {
	return d.sweeper
}
