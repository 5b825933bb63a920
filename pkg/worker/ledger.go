package worker

import (
	"context"
	"sync"

	"github.com/rendis/gofer/pkg/schema"
)

// runHandle tracks one launched execution: the cancel function for the run's
// context and a done channel closed when the handler goroutine exits.
type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// runLedger holds the live state of every in-flight run. It is the only
// state mutated by more than one flow of control: launch inserts, the
// completion callback claims, and cancellation reads then claims. The run's
// own RunContext pointer is the claim ticket: attaching a handle or slot,
// reading them back, and claiming all require it to still be the registered
// context for the run id. A launch the cancellation protocol already claimed
// can therefore never re-enter the ledger, and a stale path from a claimed
// run can never touch a later run that reused the id. Whichever path claims
// first makes the other's ticket stale, which is what suppresses duplicate
// reporting under completion/cancellation races.
type runLedger struct {
	mu       sync.Mutex
	contexts map[schema.RunID]*RunContext
	handles  map[schema.RunID]*runHandle
	slots    map[schema.RunID]struct{}
}

func newRunLedger() *runLedger {
	return &runLedger{
		contexts: make(map[schema.RunID]*RunContext),
		handles:  make(map[schema.RunID]*runHandle),
		slots:    make(map[schema.RunID]struct{}),
	}
}

// owns reports whether rc is still the registered context for the run.
// Callers must hold l.mu.
func (l *runLedger) owns(id schema.RunID, rc *RunContext) bool {
	cur, ok := l.contexts[id]
	return ok && cur == rc
}

// insertContext registers a run's execution context, the entry that makes
// the run visible to cancellation. Returns false if the run id is already
// tracked, which signals a duplicate dispatch.
func (l *runLedger) insertContext(rc *RunContext) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := rc.RunID()
	if _, exists := l.contexts[id]; exists {
		return false
	}
	l.contexts[id] = rc
	return true
}

func (l *runLedger) getContext(id schema.RunID) (*RunContext, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rc, ok := l.contexts[id]
	return rc, ok
}

// insertHandle attaches a launched execution's handle to its run. Refused
// when rc is no longer the registered context, meaning the cancellation
// protocol claimed the run while the launch was still in flight.
func (l *runLedger) insertHandle(rc *RunContext, h *runHandle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := rc.RunID()
	if !l.owns(id, rc) {
		return false
	}
	l.handles[id] = h
	return true
}

// getHandle returns the run's handle, provided rc is still its registered
// context.
func (l *runLedger) getHandle(rc *RunContext) (*runHandle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := rc.RunID()
	if !l.owns(id, rc) {
		return nil, false
	}
	h, ok := l.handles[id]
	return h, ok
}

// insertSlot marks that a blocking handler occupies a pool slot for its run.
// Refused once the run is claimed. The marker is removed with the claim, or
// taken by the cancellation protocol to detect a handler that did not yield.
func (l *runLedger) insertSlot(rc *RunContext) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := rc.RunID()
	if !l.owns(id, rc) {
		return false
	}
	l.slots[id] = struct{}{}
	return true
}

// takeSlot atomically removes the run's slot marker and reports whether it
// was present. At most one caller observes true per marker.
func (l *runLedger) takeSlot(rc *RunContext) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := rc.RunID()
	if !l.owns(id, rc) {
		return false
	}
	if _, ok := l.slots[id]; !ok {
		return false
	}
	delete(l.slots, id)
	return true
}

// claim removes every entry for rc's run and reports whether rc won the
// claim. Exactly one of the completion callback and the cancellation
// protocol observes true, and that caller owns the run's terminal
// bookkeeping. A claim with a stale ticket removes nothing.
func (l *runLedger) claim(rc *RunContext) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := rc.RunID()
	if !l.owns(id, rc) {
		return false
	}
	delete(l.contexts, id)
	delete(l.handles, id)
	delete(l.slots, id)
	return true
}

// size returns the number of tracked runs. Handles and slots only attach
// under a registered context, so the context map is authoritative.
func (l *runLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.contexts)
}

// runIDs returns a snapshot of every tracked run id.
func (l *runLedger) runIDs() []schema.RunID {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]schema.RunID, 0, len(l.contexts))
	for id := range l.contexts {
		ids = append(ids, id)
	}
	return ids
}
