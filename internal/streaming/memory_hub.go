package streaming

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/gofer/pkg/schema"
)

const subscriberBuffer = 64

// subscription is one attached consumer. Its channel is closed exactly once,
// by whichever of explicit unsubscribe and expiry teardown runs first.
type subscription struct {
	id    uint64
	runID schema.RunID
	ctx   context.Context
	kinds map[string]bool
	ch    chan StreamEvent
	once  sync.Once
}

// wants reports whether the subscription asked for this event kind. An empty
// kind set means every kind.
func (s *subscription) wants(kind string) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// MemoryHub fans stream events out to in-process subscribers. Subscriptions
// are indexed by run id; a publish touches only that run's consumers and the
// firehose set, never the whole subscriber population.
type MemoryHub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	byRun    map[schema.RunID]map[uint64]*subscription
	firehose map[uint64]*subscription
}

func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHub{
		logger:   logger,
		byRun:    make(map[schema.RunID]map[uint64]*subscription),
		firehose: make(map[uint64]*subscription),
	}
}

// Publish delivers the event to every subscription watching its run and to
// the firehose set. Delivery never blocks: a lagging subscriber loses the
// event. Subscriptions whose context has expired are torn down in passing.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var expired []*subscription
	h.mu.RLock()
	for _, s := range h.byRun[event.RunID] {
		if !h.deliver(s, event) {
			expired = append(expired, s)
		}
	}
	for _, s := range h.firehose {
		if !h.deliver(s, event) {
			expired = append(expired, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range expired {
		h.remove(s)
	}
	return nil
}

// deliver sends the event to one subscription without blocking. Reports
// false when the subscription's context has expired and it must be removed.
func (h *MemoryHub) deliver(s *subscription, event StreamEvent) bool {
	if s.ctx.Err() != nil {
		return false
	}
	if !s.wants(event.Kind) {
		return true
	}
	select {
	case s.ch <- event:
	default:
		h.logger.Warn("stream subscriber lagging, event dropped",
			slog.String("run_id", event.RunID.String()),
			slog.String("kind", event.Kind),
			slog.Uint64("subscription", s.id))
	}
	return true
}

// Subscribe attaches a consumer for the filtered event stream. A filter
// naming a run id receives only that run's events; one without joins the
// firehose and sees every run. The subscription lives until the returned
// cancel runs or ctx expires.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s := &subscription{
		runID: filter.RunID,
		ctx:   ctx,
		ch:    make(chan StreamEvent, subscriberBuffer),
	}
	if len(filter.Kinds) > 0 {
		s.kinds = make(map[string]bool, len(filter.Kinds))
		for _, k := range filter.Kinds {
			s.kinds[k] = true
		}
	}

	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	if s.runID == "" {
		h.firehose[s.id] = s
	} else {
		bucket, ok := h.byRun[s.runID]
		if !ok {
			bucket = make(map[uint64]*subscription)
			h.byRun[s.runID] = bucket
		}
		bucket[s.id] = s
	}
	h.mu.Unlock()

	return s.ch, func() { h.remove(s) }, nil
}

// remove detaches the subscription and closes its channel. Closing under the
// write lock cannot overlap a delivery, which holds the read lock.
func (h *MemoryHub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.runID == "" {
		delete(h.firehose, s.id)
	} else if bucket, ok := h.byRun[s.runID]; ok {
		delete(bucket, s.id)
		if len(bucket) == 0 {
			delete(h.byRun, s.runID)
		}
	}
	s.once.Do(func() { close(s.ch) })
}
