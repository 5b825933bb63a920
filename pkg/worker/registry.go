package worker

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/gofer/pkg/schema"
)

// HandlerFunc is a user-registered handler executed for one action. It
// receives the run's execution context and returns the run output, which is
// serialized into the Completed event payload.
type HandlerFunc func(ctx *RunContext) (any, error)

// Handler describes a registered handler and its execution metadata.
type Handler struct {
	ActionID string
	Fn       HandlerFunc

	// Blocking handlers run on the bounded pool and hold a slot for their
	// whole execution; they are expected to poll RunContext.Cancelled at
	// safe points. Cooperative handlers run on their own goroutine and
	// must watch RunContext.Done.
	Blocking bool

	// Timeout, when positive, is applied as a deadline on the run context.
	Timeout time.Duration

	// CancelGrace overrides the worker's grace period between the
	// cancellation signal and context cancellation. Zero means the worker
	// default.
	CancelGrace time.Duration

	// InputSchema, when set, is a JSON Schema validated against the action
	// input by RunContext.UnmarshalInput.
	InputSchema json.RawMessage
}

// HandlerOption configures a handler at registration time.
type HandlerOption func(*Handler)

// AsBlocking marks the handler as blocking: it runs on the bounded pool
// instead of its own goroutine.
func AsBlocking() HandlerOption {
	return func(h *Handler) { h.Blocking = true }
}

// WithTimeout sets a deadline on the run context.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.Timeout = d }
}

// WithCancelGrace overrides the worker's cancellation grace period for this
// handler.
func WithCancelGrace(d time.Duration) HandlerOption {
	return func(h *Handler) { h.CancelGrace = d }
}

// WithInputSchema attaches a JSON Schema validated against the action input.
func WithInputSchema(raw json.RawMessage) HandlerOption {
	return func(h *Handler) { h.InputSchema = raw }
}

// handlerRegistry maps action ids to handlers. It is populated before the
// dispatch loop starts and read-only thereafter; Freeze enforces the
// transition.
type handlerRegistry struct {
	mu       sync.RWMutex
	frozen   bool
	handlers map[string]*Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string]*Handler)}
}

func (r *handlerRegistry) register(actionID string, fn HandlerFunc, opts ...HandlerOption) error {
	if actionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "action id is empty")
	}
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "handler for %q is nil", actionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return schema.NewErrorf(schema.ErrCodeConflict, "cannot register %q: registry is frozen after worker start", actionID)
	}
	if _, exists := r.handlers[actionID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q is already registered", actionID)
	}

	h := &Handler{ActionID: actionID, Fn: fn}
	for _, opt := range opts {
		opt(h)
	}
	r.handlers[actionID] = h
	return nil
}

func (r *handlerRegistry) freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func (r *handlerRegistry) get(actionID string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[actionID]
	return h, ok
}

func (r *handlerRegistry) has(actionID string) bool {
	_, ok := r.get(actionID)
	return ok
}

func (r *handlerRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func (r *handlerRegistry) list() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
