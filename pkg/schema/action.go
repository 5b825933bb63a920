package schema

import "encoding/json"

// RunID identifies one in-flight execution. Depending on the action kind it is
// either a step run id or a group key run id; the two never collide among
// concurrently running actions.
type RunID string

func (id RunID) String() string { return string(id) }

// ActionType discriminates what the dispatcher wants done.
type ActionType string

const (
	ActionTypeStartStepRun     ActionType = "start_step_run"
	ActionTypeCancelStepRun    ActionType = "cancel_step_run"
	ActionTypeStartGetGroupKey ActionType = "start_get_group_key"
)

// Action is an immutable description of one unit of work pushed by the
// dispatcher: start a step, start a group key computation, or cancel a run.
type Action struct {
	WorkerID           string            `json:"worker_id,omitempty"`
	TenantID           string            `json:"tenant_id"`
	WorkflowRunID      string            `json:"workflow_run_id"`
	GetGroupKeyRunID   RunID             `json:"get_group_key_run_id,omitempty"`
	StepRunID          RunID             `json:"step_run_id,omitempty"`
	JobID              string            `json:"job_id,omitempty"`
	JobName            string            `json:"job_name,omitempty"`
	JobRunID           string            `json:"job_run_id,omitempty"`
	StepID             string            `json:"step_id,omitempty"`
	StepName           string            `json:"step_name,omitempty"`
	ActionID           string            `json:"action_id"`
	ActionType         ActionType        `json:"action_type"`
	RetryCount         int32             `json:"retry_count"`
	AdditionalMetadata map[string]string `json:"additional_metadata,omitempty"`
	Input              json.RawMessage   `json:"input,omitempty"`
}

// RunID returns the run identifier for this action's kind: the step run id for
// step actions, the group key run id for group key actions.
func (a *Action) RunID() RunID {
	if a.ActionType == ActionTypeStartGetGroupKey {
		return a.GetGroupKeyRunID
	}
	return a.StepRunID
}
