package streaming

import (
	"context"
	"time"

	"github.com/rendis/gofer/pkg/schema"
)

// Event kinds emitted by running handlers.
const (
	KindLog    = "log"
	KindStream = "stream"
)

// StreamEvent is a real-time event emitted by a handler mid-run, before
// the terminal lifecycle event is produced.
type StreamEvent struct {
	RunID         schema.RunID `json:"run_id"`
	WorkflowRunID string       `json:"workflow_run_id,omitempty"`
	Kind          string       `json:"kind"`
	Payload       string       `json:"payload"`
	At            time.Time    `json:"at"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID schema.RunID `json:"run_id,omitempty"`
	Kinds []string     `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for mid-run handler output.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
