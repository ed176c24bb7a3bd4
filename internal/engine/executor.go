package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/agent"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// DefinitionLoader resolves the workflow versions runs are pinned to.
// Satisfied by *definition.Service.
type DefinitionLoader interface {
	GetPublished(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	Get(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
}

// Default executor sizing.
const (
	DefaultPoolSize  = 10
	DefaultQueueSize = 1024

	maxCommitAttempts = 5
)

// Config holds configuration for the Executor.
type Config struct {
	PoolSize       int                   // max concurrently driven runs
	QueueSize      int                   // dispatch queue capacity
	CircuitBreaker *CircuitBreakerConfig // per-agent breakers (nil = defaults)
	// Rand returns values in [0, 1) for retry jitter. Nil uses math/rand/v2.
	Rand func() float64
}

// Executor creates runs and drives them node by node on a bounded worker
// pool. Each run is driven by at most one worker at a time; pause and
// cancel requests against a driven run are recorded on the run and
// observed at the next attempt boundary.
type Executor struct {
	events   *store.EventLog
	store    store.Store
	defs     DefinitionLoader
	agent    agent.Executor
	fsm      *RunFSM
	pool     *WorkerPool
	breakers *CircuitBreakerRegistry
	jq       *expressions.GoJQEngine
	rnd      func() float64
	logger   *slog.Logger
	now      func() time.Time
	wait     func(ctx context.Context, delay time.Duration, wake <-chan struct{}) (bool, error)

	queue    chan string
	cancel   context.CancelFunc
	stopOnce sync.Once
	loopWG   sync.WaitGroup

	// mu guards owned and redrive.
	mu      sync.Mutex
	owned   map[string]chan struct{}
	redrive map[string]bool
}

// NewExecutor creates an Executor. Call Start to begin dispatching.
func NewExecutor(events *store.EventLog, defs DefinitionLoader, ag agent.Executor, cfg Config, logger *slog.Logger) *Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		events:   events,
		store:    events.Store(),
		defs:     defs,
		agent:    ag,
		fsm:      NewRunFSM(),
		pool:     NewWorkerPool(cfg.PoolSize, logger),
		breakers: NewCircuitBreakerRegistry(cbConfig),
		jq:       expressions.NewGoJQEngine(),
		rnd:      cfg.Rand,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		wait:     WaitForBackoff,
		queue:    make(chan string, cfg.QueueSize),
		owned:    make(map[string]chan struct{}),
		redrive:  make(map[string]bool),
	}
	for _, st := range []schema.RunStatus{
		schema.RunStatusCompleted, schema.RunStatusFailed,
		schema.RunStatusFailedRecoverable, schema.RunStatusCancelled,
	} {
		e.fsm.OnEnter(st, recordRunOutcome)
	}
	return e
}

func recordRunOutcome(run *schema.WorkflowRun, _ schema.RunStatus) {
	metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(run.Status)).Observe(float64(run.ElapsedMs) / 1000)
}

// Start launches the dispatch loop and re-queues runs left queued or
// running by a previous process. Workers run under a context derived
// from ctx that Stop cancels.
func (e *Executor) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.loopWG.Add(1)
	go e.dispatch(ctx)
	return e.RecoverRuns(ctx)
}

// Stop ends the dispatch loop and interrupts in-flight runs. Interrupted
// runs stay running in the store and are recovered by the next Start.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
	})
	e.pool.Shutdown()
	e.loopWG.Wait()
}

// PoolMetrics returns worker pool counters.
func (e *Executor) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// InFlight returns the IDs of runs currently driven by a worker.
func (e *Executor) InFlight() []string { return e.pool.InFlight() }

func (e *Executor) dispatch(ctx context.Context) {
	defer e.loopWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-e.queue:
			err := e.pool.Submit(ctx, runID, func(ctx context.Context) error {
				return e.Drive(ctx, runID)
			})
			if err != nil {
				e.logger.WarnContext(ctx, "dispatch run failed", "run_id", runID, "error", err)
				if errors.Is(err, ErrPoolShutdown) {
					return
				}
			}
		}
	}
}

func (e *Executor) enqueue(ctx context.Context, runID string) {
	select {
	case e.queue <- runID:
	default:
		e.logger.WarnContext(ctx, "dispatch queue full, run stays queued until restart", "run_id", runID)
	}
}

// RecoverRuns queues every run that is queued or was running when the
// previous process stopped.
func (e *Executor) RecoverRuns(ctx context.Context) error {
	runs, err := e.store.ListRuns(ctx, store.RunFilter{
		Statuses: []schema.RunStatus{schema.RunStatusQueued, schema.RunStatusRunning},
	})
	if err != nil {
		return err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		e.enqueue(ctx, runs[i].ID)
	}
	if len(runs) > 0 {
		e.logger.InfoContext(ctx, "recovered runs", "count", len(runs))
	}
	return nil
}

// Submit creates a queued run pinned to the latest published version of
// req.WorkflowID and hands it to the worker pool.
func (e *Executor) Submit(ctx context.Context, req schema.RunRequest) (*schema.WorkflowRun, error) {
	run, err := e.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	e.enqueue(ctx, run.ID)
	return run, nil
}

// Create persists a queued run without dispatching it.
func (e *Executor) Create(ctx context.Context, req schema.RunRequest) (*schema.WorkflowRun, error) {
	def, err := e.defs.GetPublished(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if req.TriggerKind == "" {
		req.TriggerKind = schema.TriggerKindManual
	}
	if req.TriggerID != "" {
		if _, ok := def.TriggerByID(req.TriggerID); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q has no trigger %q", req.WorkflowID, req.TriggerID)
		}
	}
	start, ok := def.StartNode()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no start node", def.ID)
	}

	run := &schema.WorkflowRun{
		ID:              uuid.New().String(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          schema.RunStatusQueued,
		CurrentNodeID:   start,
		TriggerKind:     req.TriggerKind,
		TriggerID:       req.TriggerID,
		Input:           req.Input,
		CreatedAt:       e.now(),
	}
	if err := e.events.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.logger.InfoContext(logging.WithRun(ctx, run.ID, run.WorkflowID), "run created",
		"version", run.WorkflowVersion, "trigger_kind", run.TriggerKind)
	return run, nil
}

// Drive runs runID on the calling goroutine until it completes, fails,
// pauses or is cancelled. It is a no-op when another worker already owns
// the run or when the run is not in a drivable state.
func (e *Executor) Drive(ctx context.Context, runID string) error {
	wake, ok := e.claim(runID)
	if !ok {
		return nil
	}
	defer e.unclaim(ctx, runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != schema.RunStatusQueued && run.Status != schema.RunStatusRunning {
		return nil
	}
	def, err := e.defs.Get(ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return err
	}

	ctx = logging.WithRun(ctx, run.ID, run.WorkflowID)
	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	d := &driver{
		e:            e,
		run:          run,
		def:          def,
		wake:         wake,
		baseElapsed:  run.ElapsedMs,
		segmentStart: e.now(),
	}
	return d.drive(ctx)
}

// claim takes ownership of runID. A failed claim is remembered so the
// current owner hands the run back to the queue on release.
func (e *Executor) claim(runID string) (chan struct{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.owned[runID]; busy {
		e.redrive[runID] = true
		return nil, false
	}
	wake := make(chan struct{}, 1)
	e.owned[runID] = wake
	return wake, true
}

// release drops ownership and reports whether another Drive was turned
// away in the meantime.
func (e *Executor) release(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.owned, runID)
	again := e.redrive[runID]
	delete(e.redrive, runID)
	return again
}

// unclaim releases runID and requeues it when a Drive was turned away
// while it was owned, so a resume that raced the previous owner is not lost.
func (e *Executor) unclaim(ctx context.Context, runID string) {
	if e.release(runID) {
		e.enqueue(ctx, runID)
	}
}

func (e *Executor) isOwned(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.owned[runID]
	return ok
}

// poke interrupts the backoff wait of the worker driving runID.
func (e *Executor) poke(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if wake, ok := e.owned[runID]; ok {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Pause requests that a running run stop at the next attempt boundary.
// A running run with no worker is paused directly.
func (e *Executor) Pause(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	return e.signal(ctx, runID, func(run *schema.WorkflowRun) ([]string, error) {
		if run.Status == schema.RunStatusRunning && e.isOwned(run.ID) {
			if run.PendingSignal == schema.SignalCancel {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
					"run %s is being cancelled", run.ID)
			}
			run.PendingSignal = schema.SignalPause
			return []string{schema.EventRunPauseRequested}, nil
		}
		ev, err := e.fsm.Transition(run, schema.RunStatusPaused)
		if err != nil {
			return nil, err
		}
		run.PendingSignal = schema.SignalNone
		return []string{ev}, nil
	})
}

// Cancel cancels a run. Queued, paused and failed_recoverable runs are
// cancelled directly; a driven run is cancelled at its next attempt
// boundary.
func (e *Executor) Cancel(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	return e.signal(ctx, runID, func(run *schema.WorkflowRun) ([]string, error) {
		if !run.Status.Terminal() && e.isOwned(run.ID) &&
			(run.Status == schema.RunStatusRunning || run.Status == schema.RunStatusQueued) {
			run.PendingSignal = schema.SignalCancel
			return []string{schema.EventRunCancelRequested}, nil
		}
		ev, err := e.fsm.Transition(run, schema.RunStatusCancelled)
		if err != nil {
			return nil, err
		}
		now := e.now()
		run.PendingSignal = schema.SignalNone
		run.CompletedAt = &now
		return []string{ev}, nil
	})
}

// Resume moves a paused or failed_recoverable run back to running and
// queues it. A failed_recoverable run re-attempts its current node.
func (e *Executor) Resume(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	run, err := e.signal(ctx, runID, func(run *schema.WorkflowRun) ([]string, error) {
		if run.Status != schema.RunStatusPaused && run.Status != schema.RunStatusFailedRecoverable {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"run %s cannot be resumed from %s", run.ID, run.Status)
		}
		ev, err := e.fsm.Transition(run, schema.RunStatusRunning)
		if err != nil {
			return nil, err
		}
		run.Error = nil
		return []string{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	e.enqueue(ctx, run.ID)
	return run, nil
}

// signal applies mutate to the latest stored run with compare-and-swap,
// re-reading and retrying on CONCURRENCY_CONFLICT.
func (e *Executor) signal(ctx context.Context, runID string, mutate func(*schema.WorkflowRun) ([]string, error)) (*schema.WorkflowRun, error) {
	var lastErr error
	for range maxCommitAttempts {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		from := run.Status
		evs, err := mutate(run)
		if err != nil {
			return nil, err
		}
		err = e.events.UpdateRun(ctx, run, evs...)
		if err == nil {
			if run.Status != from {
				e.fsm.Entered(run, from)
			}
			if run.PendingSignal != schema.SignalNone {
				e.poke(run.ID)
			}
			e.logger.InfoContext(logging.WithRun(ctx, run.ID, run.WorkflowID), "run signal applied",
				"events", evs, "status", run.Status)
			return run, nil
		}
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
