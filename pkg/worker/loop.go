package worker

import (
	"context"
	"log/slog"

	"github.com/rendis/gofer/pkg/schema"
)

// dispatchLoop is the single-threaded consumer of the inbound action queue.
// Only the stop signal terminates it; per-action errors are contained.
type dispatchLoop struct {
	actions <-chan *schema.Action
	stop    <-chan struct{}
	runner  *runner
	logger  *slog.Logger
}

// run consumes actions until stopped. Stop wins over queued actions: the
// loop exits without draining what remains in the channel.
func (l *dispatchLoop) run(ctx context.Context) {
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case action := <-l.actions:
			l.handle(action)
		}
	}
}

// handle validates and routes one action. A panic while routing is recovered
// and logged; it never terminates the loop.
func (l *dispatchLoop) handle(action *schema.Action) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("action routing panicked",
				slog.Any("panic", rec))
		}
	}()

	if err := schema.ValidateAction(action); err != nil {
		l.logger.Warn("invalid action, dropping",
			slog.String("error", err.Error()))
		return
	}
	l.runner.route(action)
}
