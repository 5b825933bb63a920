package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/gofer/pkg/worker"
)

// registerDemoHandlers installs a small set of handlers so the binary is
// usable against examples/actions.jsonl out of the box. Real deployments
// embed the worker package and register their own.
func registerDemoHandlers(w *worker.Worker) error {
	if err := w.Register("demo:echo", demoEcho); err != nil {
		return err
	}
	if err := w.Register("demo:fail", demoFail); err != nil {
		return err
	}
	if err := w.Register("demo:sleep", demoSleep); err != nil {
		return err
	}
	if err := w.Register("demo:block", demoBlock, worker.AsBlocking()); err != nil {
		return err
	}
	return w.RegisterGroupKeyExpression("demo:route", "jq", ".input.customer_id")
}

// demoEcho returns its input untouched.
func demoEcho(ctx *worker.RunContext) (any, error) {
	var in map[string]any
	if err := ctx.UnmarshalInput(&in); err != nil {
		return nil, err
	}
	return in, nil
}

// demoFail always fails, with the message from the input when present.
func demoFail(ctx *worker.RunContext) (any, error) {
	var in struct {
		Message string `json:"message"`
	}
	_ = ctx.UnmarshalInput(&in)
	if in.Message == "" {
		in.Message = "demo failure"
	}
	return nil, errors.New(in.Message)
}

// demoSleep sleeps for the requested duration, yielding to cancellation.
func demoSleep(ctx *worker.RunContext) (any, error) {
	var in struct {
		Duration string `json:"duration"`
	}
	if err := ctx.UnmarshalInput(&in); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(in.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", in.Duration, err)
	}

	ctx.Log(fmt.Sprintf("sleeping for %s", d))
	select {
	case <-time.After(d):
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Context().Err()
	}
}

// demoBlock simulates a non-cooperative workload: it runs on the blocking
// pool and reports progress without ever checking for cancellation.
func demoBlock(ctx *worker.RunContext) (any, error) {
	var in struct {
		Steps int `json:"steps"`
	}
	if err := ctx.UnmarshalInput(&in); err != nil {
		return nil, err
	}
	if in.Steps <= 0 {
		in.Steps = 3
	}

	for i := 1; i <= in.Steps; i++ {
		time.Sleep(100 * time.Millisecond)
		_ = ctx.PutStream(json.RawMessage(
			fmt.Sprintf(`{"step": %d, "of": %d}`, i, in.Steps)))
	}
	return map[string]any{"steps": in.Steps}, nil
}
