package groupkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/gofer/pkg/schema"
)

// Engine evaluates a group key expression against run data.
// Three implementations: CEL, JQ, and Expr.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// ForName returns a fresh engine for the given identifier (cel, jq, expr).
func ForName(name string) (Engine, error) {
	switch name {
	case "cel":
		return NewCELEngine()
	case "jq":
		return NewJQEngine(), nil
	case "expr":
		return NewExprEngine(), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown group key engine %q: must be one of cel, jq, expr", name)
	}
}

// BuildData assembles the evaluation data for a group key run. Expressions
// see three top-level variables:
//   - input:    the action's input payload, decoded as a JSON object
//   - metadata: the action's additional metadata
//   - action:   action envelope fields (action_id, workflow_run_id, ...)
func BuildData(action *schema.Action) (map[string]any, error) {
	input := map[string]any{}
	if len(action.Input) > 0 {
		if err := json.Unmarshal(action.Input, &input); err != nil {
			return nil, schema.NewError(schema.ErrCodeSerialization,
				"action input is not a JSON object").WithCause(err).WithRun(action.RunID())
		}
	}

	metadata := make(map[string]any, len(action.AdditionalMetadata))
	for k, v := range action.AdditionalMetadata {
		metadata[k] = v
	}

	return map[string]any{
		"input":    input,
		"metadata": metadata,
		"action": map[string]any{
			"action_id":       action.ActionID,
			"workflow_run_id": action.WorkflowRunID,
			"tenant_id":       action.TenantID,
			"retry_count":     action.RetryCount,
		},
	}, nil
}

// Key evaluates the expression and coerces the result to a group key string.
// Strings pass through; numbers and booleans are formatted; composite values
// are encoded as compact JSON. A nil result is an error since every group key
// run must yield a key.
func Key(ctx context.Context, e Engine, expression string, data map[string]any) (string, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return "", err
	}

	switch v := out.(type) {
	case nil:
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"group key expression %q produced no value", expression)
	case string:
		return v, nil
	case bool, int, int64, float64, json.Number:
		return fmt.Sprintf("%v", v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeSerialization,
				"group key expression %q produced unencodable value", expression).WithCause(err)
		}
		return string(b), nil
	}
}
