package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/gofer/pkg/schema"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func stepAction() *schema.Action {
	return &schema.Action{
		TenantID:      "tenant-1",
		WorkflowRunID: "wfr-1",
		StepRunID:     "run-1",
		ActionID:      "billing:charge",
		ActionType:    schema.ActionTypeStartStepRun,
		RetryCount:    2,
	}
}

func TestStartRunSpan_StepRunName(t *testing.T) {
	sr, tracer := setupTestTracer()

	_, span := StartRunSpan(context.Background(), tracer, stepAction(), "")
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "gofer.step_run", spans[0].Name())
}

func TestStartRunSpan_GroupKeyName(t *testing.T) {
	sr, tracer := setupTestTracer()

	action := &schema.Action{
		TenantID:         "tenant-1",
		WorkflowRunID:    "wfr-1",
		GetGroupKeyRunID: "gk-1",
		ActionID:         "billing:key",
		ActionType:       schema.ActionTypeStartGetGroupKey,
	}
	_, span := StartRunSpan(context.Background(), tracer, action, "")
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "gofer.group_key_run", spans[0].Name())
}

func TestStartRunSpan_Attributes(t *testing.T) {
	sr, tracer := setupTestTracer()

	url := "https://gofer.dev/workflow-runs/wfr-1?tenant=tenant-1"
	_, span := StartRunSpan(context.Background(), tracer, stepAction(), url)
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)

	attrMap := make(map[string]any)
	for _, a := range spans[0].Attributes() {
		switch a.Value.Type() {
		case attribute.STRING:
			attrMap[string(a.Key)] = a.Value.AsString()
		case attribute.INT64:
			attrMap[string(a.Key)] = a.Value.AsInt64()
		}
	}

	assert.Equal(t, "run-1", attrMap["gofer.run_id"])
	assert.Equal(t, "billing:charge", attrMap["gofer.action_id"])
	assert.Equal(t, "wfr-1", attrMap["gofer.workflow_run_id"])
	assert.Equal(t, "tenant-1", attrMap["gofer.tenant_id"])
	assert.Equal(t, int64(2), attrMap["gofer.retry_count"])
	assert.Equal(t, url, attrMap["gofer.workflow_run_url"])
}

func TestStartRunSpan_NoURLAttributeWhenEmpty(t *testing.T) {
	sr, tracer := setupTestTracer()

	_, span := StartRunSpan(context.Background(), tracer, stepAction(), "")
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	for _, a := range spans[0].Attributes() {
		assert.NotEqual(t, "gofer.workflow_run_url", string(a.Key))
	}
}

func TestStartRunSpan_ExtractsParentFromMetadata(t *testing.T) {
	sr, tracer := setupTestTracer()

	// Simulate the dispatcher injecting a traceparent into the metadata.
	parentCtx, parentSpan := tracer.Start(context.Background(), "dispatcher")
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(parentCtx, carrier)
	parentSpan.End()

	action := stepAction()
	action.AdditionalMetadata = map[string]string(carrier)

	_, span := StartRunSpan(context.Background(), tracer, action, "")
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 2)

	runSpan := spans[1]
	assert.Equal(t, parentSpan.SpanContext().TraceID(), runSpan.SpanContext().TraceID(),
		"run span should continue the dispatcher trace")
	assert.Equal(t, parentSpan.SpanContext().SpanID(), runSpan.Parent().SpanID())
}

func TestEndRunSpan_Success(t *testing.T) {
	sr, tracer := setupTestTracer()

	_, span := StartRunSpan(context.Background(), tracer, stepAction(), "")
	EndRunSpan(span, nil, false)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

func TestEndRunSpan_Error(t *testing.T) {
	sr, tracer := setupTestTracer()

	_, span := StartRunSpan(context.Background(), tracer, stepAction(), "")
	EndRunSpan(span, errors.New("handler failed"), false)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "handler failed", spans[0].Status().Description)

	found := false
	for _, ev := range spans[0].Events() {
		if ev.Name == "exception" {
			found = true
		}
	}
	assert.True(t, found, "expected exception event on span")
}

func TestEndRunSpan_Cancelled(t *testing.T) {
	sr, tracer := setupTestTracer()

	_, span := StartRunSpan(context.Background(), tracer, stepAction(), "")
	EndRunSpan(span, errors.New("ignored when cancelled"), true)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	found := false
	for _, ev := range spans[0].Events() {
		if ev.Name == "run cancelled" {
			found = true
		}
	}
	assert.True(t, found, "expected cancellation event on span")
}

func TestRunURL(t *testing.T) {
	assert.Equal(t,
		"https://gofer.dev/workflow-runs/wfr-1?tenant=t1",
		RunURL("https://gofer.dev", "wfr-1", "t1"))

	// Trailing slash is normalized.
	assert.Equal(t,
		"https://gofer.dev/workflow-runs/wfr-1?tenant=t1",
		RunURL("https://gofer.dev/", "wfr-1", "t1"))

	assert.Empty(t, RunURL("", "wfr-1", "t1"))
	assert.Empty(t, RunURL("https://gofer.dev", "", "t1"))
}
