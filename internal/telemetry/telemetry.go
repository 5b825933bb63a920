package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/gofer/pkg/schema"
)

// TracerName is the instrumentation scope name for run spans.
const TracerName = "github.com/rendis/gofer"

const (
	spanStepRun     = "gofer.step_run"
	spanGroupKeyRun = "gofer.group_key_run"
)

var propagator = propagation.TraceContext{}

// StartRunSpan opens a span for a run about to execute. If the dispatcher
// injected a W3C traceparent into the action's additional metadata, the
// span chains onto the triggering workflow trace; otherwise it starts a
// new trace.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, action *schema.Action, runURL string) (context.Context, trace.Span) {
	if len(action.AdditionalMetadata) > 0 {
		ctx = propagator.Extract(ctx, propagation.MapCarrier(action.AdditionalMetadata))
	}

	name := spanStepRun
	if action.ActionType == schema.ActionTypeStartGetGroupKey {
		name = spanGroupKeyRun
	}

	attrs := []attribute.KeyValue{
		attribute.String("gofer.run_id", action.RunID().String()),
		attribute.String("gofer.action_id", action.ActionID),
		attribute.String("gofer.workflow_run_id", action.WorkflowRunID),
		attribute.String("gofer.tenant_id", action.TenantID),
		attribute.Int("gofer.retry_count", int(action.RetryCount)),
	}
	if runURL != "" {
		attrs = append(attrs, attribute.String("gofer.workflow_run_url", runURL))
	}

	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRunSpan records the run outcome and closes the span. Cancelled runs
// end Ok with a cancellation event rather than an error status.
func EndRunSpan(span trace.Span, err error, cancelled bool) {
	switch {
	case cancelled:
		span.AddEvent("run cancelled")
		span.SetStatus(codes.Ok, "")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RunURL builds the dashboard URL for a workflow run, or "" when no
// server URL is configured.
func RunURL(serverURL, workflowRunID, tenantID string) string {
	if serverURL == "" || workflowRunID == "" {
		return ""
	}
	return strings.TrimSuffix(serverURL, "/") + "/workflow-runs/" + workflowRunID + "?tenant=" + tenantID
}
