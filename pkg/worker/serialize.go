package worker

import (
	"encoding/json"
	"fmt"
)

// serializeOutput renders a handler result as the Completed event payload.
// Strings and raw bytes pass through untouched; everything else is JSON
// encoded. When encoding fails the returned payload is a best-effort string
// form and the error describes the failure; callers log it and use the
// payload anyway, since serialization must never fail the run.
func serializeOutput(v any) (string, error) {
	switch out := v.(type) {
	case nil:
		return "", nil
	case string:
		return out, nil
	case []byte:
		return string(out), nil
	case json.RawMessage:
		return string(out), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v), err
	}
	return string(data), nil
}
