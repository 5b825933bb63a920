package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/gofer/internal/identity"
	"github.com/rendis/gofer/internal/journal"
	"github.com/rendis/gofer/internal/logging"
	"github.com/rendis/gofer/internal/streaming"
	"github.com/rendis/gofer/internal/telemetry"
	"github.com/rendis/gofer/internal/validation"
	"github.com/rendis/gofer/pkg/schema"
)

// runner owns the run ledger, the bounded pool, and the per-run lifecycle:
// create context, launch, report, clean up. The dispatch loop hands it
// actions and never waits on it.
type runner struct {
	identity  *identity.Identity
	registry  *handlerRegistry
	ledger    *runLedger
	pool      *runPool
	hub       streaming.EventHub
	journal   *journal.Journal
	validator *validation.InputValidator
	events    chan<- schema.ActionEvent
	tracer    trace.Tracer
	logger    *slog.Logger
	serverURL string
	grace     time.Duration
	drain     time.Duration

	// wg carries one count per tracked run, released by whichever path
	// claims the run's ledger entries. Joining it guarantees no further
	// event emission, so the events channel can be closed safely.
	wg sync.WaitGroup
}

// route inspects the action type and dispatches it without blocking the
// caller. Unknown types are logged and dropped.
func (r *runner) route(action *schema.Action) {
	switch action.ActionType {
	case schema.ActionTypeStartStepRun, schema.ActionTypeStartGetGroupKey:
		r.wg.Add(1)
		go r.launch(action)
	case schema.ActionTypeCancelStepRun:
		go r.cancelRun(action.RunID())
	default:
		r.logger.Warn("unknown action type, dropping action",
			slog.String("action_type", string(action.ActionType)),
			slog.String("action_id", action.ActionID))
	}
}

// launch runs the start protocol for one action: resolve the handler, build
// and register the execution context, emit Started, then execute. The context
// is in the ledger before any event is emitted, so a concurrent cancellation
// can always find it.
func (r *runner) launch(action *schema.Action) {
	runID := action.RunID()

	h, ok := r.registry.get(action.ActionID)
	if !ok {
		// Caller configuration error: drop without any event.
		r.wg.Done()
		r.logger.Warn("no handler registered for action, dropping",
			slog.String("action_id", action.ActionID),
			slog.String("run_id", runID.String()))
		return
	}

	base := logging.WithRunIDs(context.Background(), runID.String(), action.ActionID, action.WorkflowRunID)
	base = logging.WithWorkerID(base, r.identity.WorkerID)
	runURL := telemetry.RunURL(r.serverURL, action.WorkflowRunID, action.TenantID)
	spanCtx, span := telemetry.StartRunSpan(base, r.tracer, action, runURL)

	rc := newRunContext(action, h, spanCtx, r.hub, r.validator, r.serverURL, r.logger)
	if !r.ledger.insertContext(rc) {
		rc.cancel()
		telemetry.EndRunSpan(span, schema.NewError(schema.ErrCodeConflict, "run id already in flight").WithRun(runID), false)
		r.wg.Done()
		r.logger.Warn("duplicate run id, dropping action",
			slog.String("action_id", action.ActionID),
			slog.String("run_id", runID.String()))
		return
	}

	r.logger.InfoContext(rc.ctx, "run started",
		slog.String("action_type", string(action.ActionType)),
		slog.Bool("blocking", h.Blocking))
	r.emit(startedEvent(action))

	handle := &runHandle{cancel: rc.cancel, done: make(chan struct{})}
	if !r.ledger.insertHandle(rc, handle) {
		// Cancellation claimed the run while the Started emit was in
		// flight. The claim released the drain count; finish only closes
		// the span and the run context, its own claim misses.
		r.logger.DebugContext(rc.ctx, "run claimed by cancellation during launch")
		r.finish(rc, span, nil, context.Canceled)
		close(handle.done)
		return
	}

	if h.Blocking {
		err := r.pool.submit(rc.ctx, func(context.Context) error {
			defer close(handle.done)
			if !r.ledger.insertSlot(rc) || rc.Cancelled() {
				// Cancelled while waiting for a slot; never run the handler.
				r.finish(rc, span, nil, context.Canceled)
				return context.Canceled
			}
			result, err := r.execute(rc, h)
			r.finish(rc, span, result, err)
			return err
		}, rc.slotLeaked)
		if err != nil {
			// Slot acquisition failed: run cancelled while queued, or the
			// pool shut down. The submitted fn never ran.
			r.finish(rc, span, nil, err)
			close(handle.done)
		}
		return
	}

	go func() {
		defer close(handle.done)
		result, err := r.execute(rc, h)
		r.finish(rc, span, result, err)
	}()
}

// execute invokes the handler, converting a panic into a handler error
// carrying the stack text.
func (r *runner) execute(rc *RunContext, h *Handler) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "handler panic: %v\n%s", rec, debug.Stack()).
				WithRun(rc.RunID())
		}
	}()
	return h.Fn(rc)
}

// finish is the completion callback, invoked once per execution when the
// handler reaches a terminal state. It claims the run's ledger entries and,
// if it won the claim, reports the outcome: no event when cancelled, Failed
// with the error text, or Completed with the serialized result.
func (r *runner) finish(rc *RunContext, span trace.Span, result any, err error) {
	defer rc.cancel()
	action := rc.Action()
	had := r.ledger.claim(rc)
	cancelled := rc.Cancelled()

	telemetry.EndRunSpan(span, err, cancelled)

	if !had {
		// The cancellation protocol already claimed this run; a late
		// completion reports nothing.
		return
	}
	defer r.wg.Done()

	switch {
	case cancelled:
		r.logger.DebugContext(rc.ctx, "run cancelled, no terminal event")
	case err != nil:
		r.logger.ErrorContext(rc.ctx, "run failed", slog.String("error", err.Error()))
		r.emit(failedEvent(action, err.Error()))
	default:
		payload, serr := serializeOutput(result)
		if serr != nil {
			r.logger.WarnContext(rc.ctx, "result serialization fell back to string form",
				slog.String("error", serr.Error()))
		}
		r.logger.InfoContext(rc.ctx, "run completed")
		r.emit(completedEvent(action, payload))
	}
}

// cancelRun runs the cancellation protocol: set the flag, wait out the grace
// period, cancel the run context, compensate a leaked slot, and clean up
// unconditionally. A cancel for an unknown or already finished run is a
// no-op.
func (r *runner) cancelRun(runID schema.RunID) {
	rc, ok := r.ledger.getContext(runID)
	if !ok {
		r.logger.Debug("cancel requested for unknown run, ignoring",
			slog.String("run_id", runID.String()))
		return
	}

	// Cleanup is unconditional. The claim suppresses a late completion's
	// report and releases the run's drain count if completion never runs.
	defer func() {
		if r.ledger.claim(rc) {
			r.wg.Done()
		}
	}()

	if rc.markCancelled() {
		r.logger.InfoContext(rc.ctx, "cancellation requested")
	} else {
		r.logger.DebugContext(rc.ctx, "cancellation already requested")
	}

	// Give the handler a grace period to observe the flag and exit on its
	// own; a run that finishes early short-circuits the wait.
	grace := rc.cancelGrace(r.grace)
	graceOver := time.After(grace)
	if handle, ok := r.ledger.getHandle(rc); ok {
		select {
		case <-handle.done:
		case <-graceOver:
		}
	} else {
		<-graceOver
	}

	// Escalate: cancel the run context so cooperative handlers are
	// interrupted at their next suspension point.
	if handle, ok := r.ledger.getHandle(rc); ok {
		handle.cancel()
	}

	// A blocking slot still held means the handler did not yield. Forced
	// termination is unsupported; the slot stays consumed until the
	// blocking call returns, so spare capacity compensates for it.
	rc.markLeaked()
	if r.ledger.takeSlot(rc) {
		if r.pool.Grow() {
			r.logger.WarnContext(rc.ctx, "blocking handler ignored cancellation, slot leaked, pool grown",
				slog.Duration("grace", grace))
		} else {
			r.logger.WarnContext(rc.ctx, "blocking handler ignored cancellation, slot leaked, pool growth exhausted",
				slog.Duration("grace", grace))
		}
	}
}

// waitForRuns polls the ledger until every in-flight run is gone or ctx
// expires. Observation only; it cancels nothing.
func (r *runner) waitForRuns(ctx context.Context) error {
	ticker := time.NewTicker(r.drain)
	defer ticker.Stop()

	for {
		if n := r.ledger.size(); n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return schema.NewErrorf(schema.ErrCodeTimeout,
					"%d runs still in flight", r.ledger.size()).WithCause(ctx.Err())
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// emit journals the event best-effort, then delivers it on the outbound
// channel. Each lifecycle transition is emitted exactly once; delivery order
// per run is the emission order.
func (r *runner) emit(ev schema.ActionEvent) {
	if r.journal != nil {
		if err := r.journal.Append(context.Background(), journal.NewEntry(&ev, r.identity.WorkerID)); err != nil {
			r.logger.Warn("journal append failed",
				slog.String("run_id", ev.Action.RunID().String()),
				slog.String("event", ev.EventName()),
				slog.String("error", err.Error()))
		}
	}
	r.events <- ev
}

func startedEvent(a *schema.Action) schema.ActionEvent {
	if a.ActionType == schema.ActionTypeStartGetGroupKey {
		return schema.NewGroupKeyEvent(a, schema.GroupKeyEventStarted, "")
	}
	return schema.NewStepEvent(a, schema.StepEventStarted, "")
}

func completedEvent(a *schema.Action, payload string) schema.ActionEvent {
	if a.ActionType == schema.ActionTypeStartGetGroupKey {
		return schema.NewGroupKeyEvent(a, schema.GroupKeyEventCompleted, payload)
	}
	return schema.NewStepEvent(a, schema.StepEventCompleted, payload)
}

func failedEvent(a *schema.Action, payload string) schema.ActionEvent {
	if a.ActionType == schema.ActionTypeStartGetGroupKey {
		return schema.NewGroupKeyEvent(a, schema.GroupKeyEventFailed, payload)
	}
	return schema.NewStepEvent(a, schema.StepEventFailed, payload)
}
