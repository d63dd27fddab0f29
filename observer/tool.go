package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kilnhq/kiln/mcp"
)

// WrapTool returns h with its Execute instrumented: one span, call and
// duration metrics, and a structured log record per invocation.
func WrapTool(h mcp.ToolHandler, inst *Instruments) mcp.ToolHandler {
	name := h.Definition.Name
	inner := h.Execute
	h.Execute = func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
		ctx, span := inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
			AttrToolName.String(name),
		))
		defer span.End()
		start := time.Now()

		result := inner(ctx, args)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if result.IsError {
			status = "error"
		}
		span.SetAttributes(AttrToolStatus.String(status))

		inst.ToolCalls.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(name),
			attribute.String("status", status),
		))
		inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrToolName.String(name),
		))

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("tool executed"))
		rec.AddAttributes(
			otellog.String("tool.name", name),
			otellog.String("tool.status", status),
			otellog.Float64("tool.duration_ms", durationMs),
		)
		inst.Logger.Emit(ctx, rec)

		return result
	}
	return h
}
