package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rendis/gofer/internal/streaming"
	"github.com/rendis/gofer/internal/telemetry"
	"github.com/rendis/gofer/internal/validation"
	"github.com/rendis/gofer/pkg/schema"
)

// RunContext is the per-run execution context handed to handlers. It carries
// the triggering action, the run's context (cancelled by the cancellation
// protocol or by the handler's timeout), the cancellation flag blocking
// handlers poll at safe points, and the log/stream hooks. Its lifetime equals
// the run's lifetime.
type RunContext struct {
	action *schema.Action

	ctx    context.Context
	cancel context.CancelFunc

	grace       time.Duration
	inputSchema json.RawMessage

	cancelled atomic.Bool
	leaked    atomic.Bool

	hub       streaming.EventHub
	validator *validation.InputValidator
	serverURL string
	logger    *slog.Logger
}

func newRunContext(
	action *schema.Action,
	h *Handler,
	parent context.Context,
	hub streaming.EventHub,
	validator *validation.InputValidator,
	serverURL string,
	logger *slog.Logger,
) *RunContext {
	rc := &RunContext{
		action:      action,
		grace:       h.CancelGrace,
		inputSchema: h.InputSchema,
		hub:         hub,
		validator:   validator,
		serverURL:   serverURL,
		logger:      logger,
	}
	if h.Timeout > 0 {
		rc.ctx, rc.cancel = context.WithTimeout(parent, h.Timeout)
	} else {
		rc.ctx, rc.cancel = context.WithCancel(parent)
	}
	return rc
}

// Action returns the triggering action.
func (c *RunContext) Action() *schema.Action { return c.action }

// RunID returns the run identifier for this execution.
func (c *RunContext) RunID() schema.RunID { return c.action.RunID() }

// Context returns the run's context. It carries the correlation ids and the
// run's trace span, and is cancelled when the run is cancelled or times out.
func (c *RunContext) Context() context.Context { return c.ctx }

// Done returns a channel closed when the run's context is cancelled.
// Cooperative handlers select on it at their suspension points.
func (c *RunContext) Done() <-chan struct{} { return c.ctx.Done() }

// Cancelled reports whether cancellation has been requested for this run.
// Blocking handlers poll it at safe points; it is set before the run's
// context is cancelled, ahead of the grace period.
func (c *RunContext) Cancelled() bool { return c.cancelled.Load() }

// markCancelled sets the cancellation flag. Idempotent; reports whether this
// call was the one that set it.
func (c *RunContext) markCancelled() bool {
	return c.cancelled.CompareAndSwap(false, true)
}

// markLeaked records that the run's pool slot was compensated with spare
// capacity; the slot's token is discharged instead of released when the
// handler finally returns.
func (c *RunContext) markLeaked() { c.leaked.Store(true) }

func (c *RunContext) slotLeaked() bool { return c.leaked.Load() }

// Input returns the raw action input.
func (c *RunContext) Input() json.RawMessage { return c.action.Input }

// UnmarshalInput decodes the action input into v. If the handler declared an
// input schema, the input is validated first; a validation failure is a
// handler error and fails the run.
func (c *RunContext) UnmarshalInput(v any) error {
	if c.validator != nil {
		if err := c.validator.Validate(c.action.Input, c.inputSchema); err != nil {
			return err
		}
	}
	if len(c.action.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.action.Input, v); err != nil {
		return schema.NewError(schema.ErrCodeSerialization, "cannot decode action input").
			WithCause(err).
			WithRun(c.RunID())
	}
	return nil
}

// Metadata returns the opaque key/value metadata attached to the action.
func (c *RunContext) Metadata() map[string]string { return c.action.AdditionalMetadata }

// RetryCount returns which attempt of the run this is, starting at zero.
func (c *RunContext) RetryCount() int32 { return c.action.RetryCount }

// WorkflowRunURL returns the dashboard URL for the run's workflow run, or ""
// when no server url is configured.
func (c *RunContext) WorkflowRunURL() string {
	return telemetry.RunURL(c.serverURL, c.action.WorkflowRunID, c.action.TenantID)
}

// Log publishes a log line scoped to this run on the stream hub and mirrors
// it to the worker's logger. Best-effort; a dropped line never fails the run.
func (c *RunContext) Log(msg string) {
	if c.hub != nil {
		_ = c.hub.Publish(c.ctx, streaming.StreamEvent{
			RunID:         c.RunID(),
			WorkflowRunID: c.action.WorkflowRunID,
			Kind:          streaming.KindLog,
			Payload:       msg,
			At:            time.Now().UTC(),
		})
	}
	if c.logger != nil {
		c.logger.InfoContext(c.ctx, msg)
	}
}

// PutStream publishes an intermediate result scoped to this run on the
// stream hub. The payload is serialized like a handler result.
func (c *RunContext) PutStream(payload any) error {
	if c.hub == nil {
		return nil
	}
	data, err := serializeOutput(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeSerialization, "cannot encode stream payload").
			WithCause(err).
			WithRun(c.RunID())
	}
	return c.hub.Publish(c.ctx, streaming.StreamEvent{
		RunID:         c.RunID(),
		WorkflowRunID: c.action.WorkflowRunID,
		Kind:          streaming.KindStream,
		Payload:       data,
		At:            time.Now().UTC(),
	})
}

// cancelGrace returns the effective grace period for this run, falling back
// to def when the handler declared none.
func (c *RunContext) cancelGrace(def time.Duration) time.Duration {
	if c.grace > 0 {
		return c.grace
	}
	return def
}
