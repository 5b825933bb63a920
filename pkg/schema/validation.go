package schema

// ValidateAction checks the structural invariants of an inbound action: a
// known action type, a non-empty action id for start actions, and a populated
// run identifier for the action's kind. A failure here is a dispatcher
// configuration problem, not a run failure: callers log and drop the action
// without emitting any event.
func ValidateAction(a *Action) error {
	if a == nil {
		return NewError(ErrCodeValidation, "action is nil")
	}

	switch a.ActionType {
	case ActionTypeStartStepRun:
		if a.ActionID == "" {
			return NewError(ErrCodeValidation, "start_step_run action has no action id")
		}
		if a.StepRunID == "" {
			return NewError(ErrCodeValidation, "start_step_run action has no step run id")
		}
	case ActionTypeCancelStepRun:
		if a.StepRunID == "" {
			return NewError(ErrCodeValidation, "cancel_step_run action has no step run id")
		}
	case ActionTypeStartGetGroupKey:
		if a.ActionID == "" {
			return NewError(ErrCodeValidation, "start_get_group_key action has no action id")
		}
		if a.GetGroupKeyRunID == "" {
			return NewError(ErrCodeValidation, "start_get_group_key action has no group key run id")
		}
	default:
		return NewErrorf(ErrCodeValidation, "unknown action type %q", a.ActionType)
	}

	return nil
}
