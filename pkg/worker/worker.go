// Package worker implements the action execution runner: it consumes actions
// pushed by a dispatcher, executes registered handlers with bounded
// parallelism, tracks in-flight runs so they can be cancelled, and reports
// lifecycle events (started, completed, failed) on an outbound channel
// exactly once per run.
package worker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/gofer/internal/groupkey"
	"github.com/rendis/gofer/internal/identity"
	"github.com/rendis/gofer/internal/journal"
	"github.com/rendis/gofer/internal/streaming"
	"github.com/rendis/gofer/internal/telemetry"
	"github.com/rendis/gofer/internal/validation"
	"github.com/rendis/gofer/pkg/schema"
)

// Collaborator types re-exported for the public API.
type (
	// Identity describes this worker instance.
	Identity = identity.Identity

	// HistoryEntry is one journaled lifecycle event of a run.
	HistoryEntry = journal.Entry

	// StreamEvent is a mid-run event published by a handler through
	// RunContext.Log or RunContext.PutStream.
	StreamEvent = streaming.StreamEvent

	// StreamFilter selects which stream events a subscriber receives.
	StreamFilter = streaming.EventFilter
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxRuns       = 100
	DefaultGracePeriod   = time.Second
	DefaultDrainInterval = time.Second
	DefaultEventBuffer   = 128
	DefaultWorkerName    = "gofer-worker"
)

// Config holds worker configuration.
type Config struct {
	// Name identifies the worker in logs and journal entries.
	Name string

	// MaxRuns bounds how many blocking handlers execute concurrently and
	// sizes the inbound action buffer.
	MaxRuns int

	// GracePeriod is the default wait between the cancellation signal and
	// context cancellation; handlers can override it per registration.
	GracePeriod time.Duration

	// DrainInterval is the poll interval used by WaitForRuns.
	DrainInterval time.Duration

	// ServerURL, when set, is used to build workflow run URLs for spans
	// and RunContext.WorkflowRunURL.
	ServerURL string

	// TenantID stamps synthesized cancel actions.
	TenantID string

	// JournalPath is the event journal database path. Empty disables the
	// journal and History.
	JournalPath string

	// RetentionSchedule is the cron schedule for journal pruning. Only
	// used when the journal is enabled.
	RetentionSchedule string

	// RetentionMaxAge is how long journal entries are kept.
	RetentionMaxAge time.Duration

	// EventBuffer sizes the outbound event channel.
	EventBuffer int

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Worker wires the dispatch loop, runner, run ledger, pool, journal, and
// stream hub behind one lifecycle. Register handlers, Start, feed actions
// with Send, consume Events, Stop.
type Worker struct {
	cfg      Config
	identity *identity.Identity
	registry *handlerRegistry
	runner   *runner
	loop     *dispatchLoop
	pool     *runPool
	hub      streaming.EventHub
	journal  *journal.Journal
	sweeper  *journal.Sweeper

	actions  chan *schema.Action
	events   chan schema.ActionEvent
	stopCh   chan struct{}
	loopDone chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a Worker from cfg. The journal is opened (and migrated) here
// when a path is configured.
func New(cfg Config) (*Worker, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultWorkerName
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = DefaultMaxRuns
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = journal.DefaultSweepSchedule
	}
	if cfg.RetentionMaxAge <= 0 {
		cfg.RetentionMaxAge = journal.DefaultMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}

	id, err := identity.New(cfg.Name)
	if err != nil {
		return nil, err
	}

	var jnl *journal.Journal
	var sweeper *journal.Sweeper
	if cfg.JournalPath != "" {
		jnl, err = journal.Open(context.Background(), cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		sweeper = journal.NewSweeper(jnl, cfg.RetentionSchedule, cfg.RetentionMaxAge, cfg.Logger)
	}

	registry := newHandlerRegistry()
	hub := streaming.NewMemoryHub(cfg.Logger)
	pool := newRunPool(cfg.MaxRuns)
	actions := make(chan *schema.Action, cfg.MaxRuns)
	events := make(chan schema.ActionEvent, cfg.EventBuffer)

	r := &runner{
		identity:  id,
		registry:  registry,
		ledger:    newRunLedger(),
		pool:      pool,
		hub:       hub,
		journal:   jnl,
		validator: validation.NewInputValidator(),
		events:    events,
		tracer:    cfg.TracerProvider.Tracer(telemetry.TracerName),
		logger:    cfg.Logger,
		serverURL: cfg.ServerURL,
		grace:     cfg.GracePeriod,
		drain:     cfg.DrainInterval,
	}

	w := &Worker{
		cfg:      cfg,
		identity: id,
		registry: registry,
		runner:   r,
		pool:     pool,
		hub:      hub,
		journal:  jnl,
		sweeper:  sweeper,
		actions:  actions,
		events:   events,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	w.loop = &dispatchLoop{
		actions: actions,
		stop:    w.stopCh,
		runner:  r,
		logger:  cfg.Logger,
	}
	return w, nil
}

// Register adds a handler for an action id. Registration is only allowed
// before Start.
func (w *Worker) Register(actionID string, fn HandlerFunc, opts ...HandlerOption) error {
	return w.registry.register(actionID, fn, opts...)
}

// RegisterGroupKeyExpression registers a group key handler that evaluates an
// expression (engine is one of cel, jq, expr) against the action input and
// metadata and returns the resulting key.
func (w *Worker) RegisterGroupKeyExpression(actionID, engine, expression string) error {
	eng, err := groupkey.ForName(engine)
	if err != nil {
		return err
	}
	if strings.TrimSpace(expression) == "" {
		return schema.NewError(schema.ErrCodeValidation, "group key expression is empty")
	}
	return w.registry.register(actionID, func(ctx *RunContext) (any, error) {
		data, err := groupkey.BuildData(ctx.Action())
		if err != nil {
			return nil, err
		}
		return groupkey.Key(ctx.Context(), eng, expression, data)
	})
}

// Start freezes the registry and starts the dispatch loop. The context bounds
// the loop's lifetime alongside Stop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return schema.NewError(schema.ErrCodeConflict, "worker already started")
	}
	if w.stopped {
		return schema.NewError(schema.ErrCodeConflict, "worker is stopped")
	}

	if w.sweeper != nil {
		if err := w.sweeper.Start(ctx); err != nil {
			return err
		}
	}
	w.registry.freeze()
	w.started = true

	go func() {
		defer close(w.loopDone)
		w.loop.run(ctx)
	}()

	w.cfg.Logger.Info("worker started",
		slog.String("worker_id", w.identity.WorkerID),
		slog.String("name", w.identity.Name),
		slog.Int("max_runs", w.cfg.MaxRuns),
		slog.Int("handlers", w.registry.count()))
	return nil
}

// Send queues one action for the dispatch loop. It blocks while the inbound
// buffer is full and fails once the worker is stopped.
func (w *Worker) Send(action *schema.Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}

	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return schema.NewError(schema.ErrCodeStopped, "worker is stopped")
	}

	select {
	case w.actions <- action:
		return nil
	case <-w.stopCh:
		return schema.NewError(schema.ErrCodeStopped, "worker is stopped")
	}
}

// Cancel synthesizes a cancel action for the run and queues it through the
// same inbound path as dispatcher actions.
func (w *Worker) Cancel(runID schema.RunID) error {
	if runID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is empty")
	}
	return w.Send(&schema.Action{
		TenantID:   w.cfg.TenantID,
		StepRunID:  runID,
		ActionType: schema.ActionTypeCancelStepRun,
	})
}

// Events returns the outbound lifecycle event channel. It is closed by Stop
// once every in-flight run has drained.
func (w *Worker) Events() <-chan schema.ActionEvent {
	return w.events
}

// WaitForRuns blocks until no runs are in flight or ctx expires. Observation
// only; nothing is cancelled.
func (w *Worker) WaitForRuns(ctx context.Context) error {
	return w.runner.waitForRuns(ctx)
}

// Stop halts the dispatch loop without draining queued actions, waits for
// in-flight runs bounded by ctx, shuts the pool down, and closes the events
// channel and journal once no emitter remains. Idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "worker not started")
	}
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)
	<-w.loopDone

	drainErr := w.runner.waitForRuns(ctx)
	joined := w.joinRunner(ctx)

	poolDone := make(chan struct{})
	go func() {
		w.pool.Shutdown()
		close(poolDone)
	}()
	select {
	case <-poolDone:
	case <-ctx.Done():
		w.cfg.Logger.Warn("run pool did not drain before deadline",
			slog.Any("in_flight_runs", w.runner.ledger.runIDs()))
	}

	if w.sweeper != nil {
		_ = w.sweeper.Stop()
	}

	if drainErr == nil && joined {
		close(w.events)
		if w.journal != nil {
			_ = w.journal.Close()
		}
	} else {
		// Runs are still in flight and may emit later; leave the events
		// channel and journal open so they cannot write to a closed one.
		w.cfg.Logger.Warn("stopped with runs in flight",
			slog.Any("in_flight_runs", w.runner.ledger.runIDs()))
	}

	w.cfg.Logger.Info("worker stopped", slog.String("worker_id", w.identity.WorkerID))
	return drainErr
}

// joinRunner waits for every tracked run's lifecycle bookkeeping to finish,
// bounded by ctx. After a true return no further event can be emitted.
func (w *Worker) joinRunner(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		w.runner.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Identity returns this worker's identity.
func (w *Worker) Identity() Identity {
	return *w.identity
}

// Handlers returns the registered action ids, sorted.
func (w *Worker) Handlers() []string {
	return w.registry.list()
}

// History returns the journaled lifecycle events for a run in emission
// order. Fails when the journal is disabled.
func (w *Worker) History(ctx context.Context, runID schema.RunID) ([]*HistoryEntry, error) {
	if w.journal == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "journal is not enabled")
	}
	entries, err := w.journal.ListByRun(ctx, runID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeJournal, "cannot read run history").
			WithCause(err).
			WithRun(runID)
	}
	return entries, nil
}

// RecentHistory returns the newest journaled events across all runs, newest
// first. Fails when the journal is disabled.
func (w *Worker) RecentHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	if w.journal == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "journal is not enabled")
	}
	entries, err := w.journal.ListRecent(ctx, limit)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeJournal, "cannot read recent history").WithCause(err)
	}
	return entries, nil
}

// SubscribeStream subscribes to mid-run events published by handlers through
// RunContext.Log and RunContext.PutStream. The returned cancel func releases
// the subscription.
func (w *Worker) SubscribeStream(ctx context.Context, filter StreamFilter) (<-chan StreamEvent, func(), error) {
	return w.hub.Subscribe(ctx, filter)
}

// PoolMetrics returns a snapshot of the blocking pool's metrics.
func (w *Worker) PoolMetrics() PoolMetrics {
	return w.pool.Metrics()
}
