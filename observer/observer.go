// Package observer provides OTEL-based observability for kiln operations.
//
// Init wires trace, metric, and log providers with OTLP HTTP exporters;
// export targets come from the standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). The tool surface is instrumented by
// wrapping handlers with WrapTool; lifecycle events record through the
// shared Instruments.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/kilnhq/kiln/observer"

// Config controls observer initialization.
type Config struct {
	// ServiceName names the service in exported telemetry. Default "kiln".
	ServiceName string
}

// Instruments holds the OTEL instruments shared across the host.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Tool surface
	ToolCalls    metric.Int64Counter
	ToolDuration metric.Float64Histogram

	// Kernel lifecycle
	KernelExecs    metric.Int64Counter
	KernelRestarts metric.Int64Counter

	// Knowledge pipeline
	FetchRequests   metric.Int64Counter
	IngestDocuments metric.Int64Counter
	IngestChunks    metric.Int64Counter
	SearchQueries   metric.Int64Counter

	// Sub-agents and callback
	SubagentRuns       metric.Int64Counter
	SubagentIterations metric.Int64Counter
	CallbackRequests   metric.Int64Counter
	LedgerTokens       metric.Int64Counter
}

// Observer bundles the instruments with the provider shutdown chain.
type Observer struct {
	Inst     *Instruments
	shutdown func(context.Context) error
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters and returns the shared instruments. Shutdown must run on exit.
func Init(ctx context.Context, cfg Config) (*Observer, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "kiln"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(name)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, err
	}

	return &Observer{
		Inst: inst,
		shutdown: func(ctx context.Context) error {
			return errors.Join(
				tp.Shutdown(ctx),
				mp.Shutdown(ctx),
				lp.Shutdown(ctx),
			)
		},
	}, nil
}

// Disabled returns an Observer whose instruments record into the default
// no-op providers; callers instrument unconditionally.
func Disabled() *Observer {
	inst, _ := newInstruments()
	return &Observer{
		Inst:     inst,
		shutdown: func(context.Context) error { return nil },
	}
}

// Shutdown flushes and stops the telemetry providers.
func (o *Observer) Shutdown(ctx context.Context) error {
	return o.shutdown(ctx)
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	toolCalls, err := meter.Int64Counter("tool.calls",
		metric.WithDescription("Tool invocation count"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	kernelExecs, err := meter.Int64Counter("kernel.execs",
		metric.WithDescription("Kernel execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	kernelRestarts, err := meter.Int64Counter("kernel.restarts",
		metric.WithDescription("Health-triggered kernel restarts"),
		metric.WithUnit("{restart}"))
	if err != nil {
		return nil, err
	}
	fetchRequests, err := meter.Int64Counter("fetch.requests",
		metric.WithDescription("Document fetches by markdown source"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	ingestDocuments, err := meter.Int64Counter("ingest.documents",
		metric.WithDescription("Documents ingested"),
		metric.WithUnit("{document}"))
	if err != nil {
		return nil, err
	}
	ingestChunks, err := meter.Int64Counter("ingest.chunks",
		metric.WithDescription("Chunks indexed"),
		metric.WithUnit("{chunk}"))
	if err != nil {
		return nil, err
	}
	searchQueries, err := meter.Int64Counter("search.queries",
		metric.WithDescription("Knowledge search count"),
		metric.WithUnit("{query}"))
	if err != nil {
		return nil, err
	}
	subagentRuns, err := meter.Int64Counter("subagent.runs",
		metric.WithDescription("Sub-agent loop count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	subagentIterations, err := meter.Int64Counter("subagent.iterations",
		metric.WithDescription("Sub-agent loop iterations"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}
	callbackRequests, err := meter.Int64Counter("callback.requests",
		metric.WithDescription("Kernel callback requests"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	ledgerTokens, err := meter.Int64Counter("llm.tokens",
		metric.WithDescription("Tokens through the usage ledger"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		ToolCalls:          toolCalls,
		ToolDuration:       toolDuration,
		KernelExecs:        kernelExecs,
		KernelRestarts:     kernelRestarts,
		FetchRequests:      fetchRequests,
		IngestDocuments:    ingestDocuments,
		IngestChunks:       ingestChunks,
		SearchQueries:      searchQueries,
		SubagentRuns:       subagentRuns,
		SubagentIterations: subagentIterations,
		CallbackRequests:   callbackRequests,
		LedgerTokens:       ledgerTokens,
	}, nil
}
