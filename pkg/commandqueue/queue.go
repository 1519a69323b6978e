package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/banca/internal/observability"
	"github.com/harun/banca/internal/tracing"
)

const threadLanePrefix = "thread:"

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// RequestID deduplicates retries: a second task with the same ID gets the
	// first one's result instead of running.
	RequestID string
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// Options configures a CommandQueue.
type Options struct {
	DedupTTL time.Duration
	Logger   *zerolog.Logger
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	name      string
	queue     []*taskRecord
	running   bool
	activeIDs map[string]bool
	mu        sync.Mutex
}

// flight is a deduplicated task that is still running.
type flight struct {
	done   chan struct{}
	result taskResult
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string                 // "enqueued", "completed" or "deduplicated"
	Lane   string                 // Lane name
	TaskID string                 // Task ID
	Data   map[string]interface{} // Additional event data
}

// CommandQueue runs tasks one at a time per lane, in FIFO order. Lanes are
// created on demand and dropped once idle.
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger

	dedup    *dedupCache
	inflight map[string]*flight
	flightMu sync.Mutex

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a new CommandQueue
func New(opts ...Options) *CommandQueue {
	observability.EnsureRegistered()

	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	logger := log.Logger
	if o.Logger != nil {
		logger = *o.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With().Str("component", "commandqueue").Logger(),
		dedup:         newDedupCache(ctx, o.DedupTTL),
		inflight:      make(map[string]*flight),
		eventHandlers: make(map[string][]EventHandler),
	}
}

// ThreadLane returns the lane that serializes turns of one conversation.
func ThreadLane(threadID string) string {
	return threadLanePrefix + threadID
}

// ThreadFromLane is the inverse of ThreadLane. It returns false for lanes
// that do not belong to a thread.
func ThreadFromLane(lane string) (string, bool) {
	threadID, ok := strings.CutPrefix(lane, threadLanePrefix)
	return threadID, ok && threadID != ""
}

// Enqueue adds a task to the specified lane
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to the lane and waits for its result. The
// task receives ctx, cancelled additionally when the queue closes. If ctx
// ends while the task is still queued the wait is abandoned.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"banca.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)

	value, err := cq.enqueue(ctx, lane, task, opts)
	tracing.EndSpan(span, err)
	return value, err
}

func (cq *CommandQueue) enqueue(ctx context.Context, lane string, task Task, opts TaskOptions) (interface{}, error) {
	logger := tracing.LoggerFromContext(ctx, cq.logger).With().Str("lane", lane).Logger()

	if opts.RequestID == "" {
		return cq.submit(ctx, lane, task, opts, logger)
	}

	key := lane + "|" + opts.RequestID
	if cached, ok := cq.dedup.Get(key); ok {
		cq.recordDedup(lane, opts.RequestID, logger)
		return cached.value, cached.err
	}

	cq.flightMu.Lock()
	if f, ok := cq.inflight[key]; ok {
		cq.flightMu.Unlock()
		cq.recordDedup(lane, opts.RequestID, logger)
		select {
		case <-f.done:
			return f.result.value, f.result.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	cq.inflight[key] = f
	cq.flightMu.Unlock()

	value, err := cq.submit(ctx, lane, task, opts, logger)

	f.result = taskResult{value: value, err: err}
	if err == nil {
		cq.dedup.Set(key, f.result)
	}
	cq.flightMu.Lock()
	delete(cq.inflight, key)
	cq.flightMu.Unlock()
	close(f.done)

	return value, err
}

func (cq *CommandQueue) recordDedup(lane, requestID string, logger zerolog.Logger) {
	observability.RecordDedupHit()
	logger.Debug().Str("request_id", requestID).Msg("Duplicate request served from cache")
	cq.emit(Event{
		Type: "deduplicated",
		Lane: lane,
		Data: map[string]interface{}{"request_id": requestID},
	})
}

func (cq *CommandQueue) submit(ctx context.Context, lane string, task Task, opts TaskOptions, logger zerolog.Logger) (interface{}, error) {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{name: lane, activeIDs: make(map[string]bool)}
		cq.lanes[lane] = ls
	}
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().
		Str("task_id", record.id).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	cq.emit(Event{
		Type:   "enqueued",
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, ls)
	}

	cq.processLane(ls)

	select {
	case result := <-record.result:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// processLane starts the next queued task if the lane is idle.
func (cq *CommandQueue) processLane(ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.running || len(ls.queue) == 0 {
		return
	}

	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true
	ls.activeIDs[record.id] = true

	cq.wg.Add(1)
	go cq.executeTask(ls, record)
}

func (cq *CommandQueue) executeTask(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"banca.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", ls.name),
		attribute.String("task_id", record.id),
	)
	logger := tracing.LoggerFromContext(taskCtx, cq.logger).With().Str("lane", ls.name).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	startTime := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(startTime)

	stopCancel()
	cancel()

	ls.mu.Lock()
	ls.running = false
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	tracing.EndSpan(span, err)
	if err != nil {
		logger.Warn().
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(ls.name, duration, err == nil, queueSize)

	cq.emit(Event{
		Type:   "completed",
		Lane:   ls.name,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	if queueSize > 0 {
		cq.processLane(ls)
		return
	}
	cq.dropIfIdle(ls)
}

func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// dropIfIdle forgets a lane with nothing queued or running. Submit holds
// cq.mu while appending, so a lane can't gain work while it is removed.
func (cq *CommandQueue) dropIfIdle(ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls.mu.Lock()
	idle := !ls.running && len(ls.queue) == 0
	ls.mu.Unlock()

	if idle && cq.lanes[ls.name] == ls {
		delete(cq.lanes, ls.name)
		observability.ForgetQueueLane(ls.name)
	}
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, ls *laneState) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			cq.logger.Warn().
				Str("lane", ls.name).
				Str("task_id", record.id).
				Dur("wait", wait).
				Int("queue_pos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-cq.ctx.Done():
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	cq.mu.Unlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// IsRunning reports whether a task is executing in the lane.
func (cq *CommandQueue) IsRunning(lane string) bool {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	cq.mu.Unlock()

	if !exists {
		return false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// GetStats returns statistics for all live lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		running := 0
		if ls.running {
			running = 1
		}
		stats[lane] = map[string]int{
			"queued":  len(ls.queue),
			"running": running,
		}
		ls.mu.Unlock()
	}

	return stats
}

// ClearLane rejects every queued task of a lane with ErrLaneCleared. A
// running task is left to finish.
func (cq *CommandQueue) ClearLane(lane string) int {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	cq.mu.Unlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range dropped {
		record.result <- taskResult{err: ErrLaneCleared}
	}

	if len(dropped) > 0 {
		cq.logger.Info().Str("lane", lane).Int("cleared", len(dropped)).Msg("Lane cleared")
	}
	cq.dropIfIdle(ls)

	return len(dropped)
}

// WaitForActive waits for all active tasks to complete with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		allDrained := true

		cq.mu.Lock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if len(ls.activeIDs) > 0 {
				allDrained = false
			}
			ls.mu.Unlock()
		}
		cq.mu.Unlock()

		if allDrained {
			return true
		}

		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}

		<-ticker.C
	}
}

// Close cancels running tasks, rejects new ones and waits for workers.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	cq.dedup.Stop()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	delete(cq.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
