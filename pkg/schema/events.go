package schema

import "time"

// StepEventType represents a lifecycle transition of a step run.
type StepEventType string

const (
	StepEventStarted   StepEventType = "step_run_started"
	StepEventCompleted StepEventType = "step_run_completed"
	StepEventFailed    StepEventType = "step_run_failed"
)

// GroupKeyEventType represents a lifecycle transition of a group key run.
// Group key runs carry their own enumeration, separate from step runs.
type GroupKeyEventType string

const (
	GroupKeyEventStarted   GroupKeyEventType = "group_key_run_started"
	GroupKeyEventCompleted GroupKeyEventType = "group_key_run_completed"
	GroupKeyEventFailed    GroupKeyEventType = "group_key_run_failed"
)

// ActionEvent is an outbound lifecycle notification sent to the dispatcher.
// Exactly one of StepEvent / GroupKeyEvent is populated, selected by the
// originating action's kind. The payload holds the serialized handler result
// for Completed, or the failure text for Failed.
type ActionEvent struct {
	Action        *Action           `json:"action"`
	StepEvent     StepEventType     `json:"step_event,omitempty"`
	GroupKeyEvent GroupKeyEventType `json:"group_key_event,omitempty"`
	Payload       string            `json:"payload,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// NewStepEvent builds an ActionEvent for a step run.
func NewStepEvent(action *Action, typ StepEventType, payload string) ActionEvent {
	return ActionEvent{
		Action:    action,
		StepEvent: typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewGroupKeyEvent builds an ActionEvent for a group key run.
func NewGroupKeyEvent(action *Action, typ GroupKeyEventType, payload string) ActionEvent {
	return ActionEvent{
		Action:        action,
		GroupKeyEvent: typ,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// EventName returns the populated event enum as a plain string, for logging
// and journal storage.
func (e ActionEvent) EventName() string {
	if e.GroupKeyEvent != "" {
		return string(e.GroupKeyEvent)
	}
	return string(e.StepEvent)
}

// Terminal reports whether the event closes its run (Completed or Failed).
func (e ActionEvent) Terminal() bool {
	switch {
	case e.StepEvent == StepEventCompleted, e.StepEvent == StepEventFailed:
		return true
	case e.GroupKeyEvent == GroupKeyEventCompleted, e.GroupKeyEvent == GroupKeyEventFailed:
		return true
	}
	return false
}
