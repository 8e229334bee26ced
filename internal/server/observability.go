package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider *sdktrace.TracerProvider
	RunCounter    metric.Int64Counter
	SuiteDuration metric.Int64Histogram
	BreakerTrips  metric.Int64Counter
	GuardrailHits metric.Int64Counter
	CacheReuse    metric.Int64Counter
	QueueRejects  metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "evalgate-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	runCounter, _ := meter.Int64Counter("evalgate_run_total")
	suiteDuration, _ := meter.Int64Histogram("evalgate_suite_duration_ms")
	breakerTrips, _ := meter.Int64Counter("evalgate_breaker_trip_total")
	guardrailHits, _ := meter.Int64Counter("evalgate_guardrail_hits_total")
	cacheReuse, _ := meter.Int64Counter("evalgate_signal_reuse_total")
	queueRejects, _ := meter.Int64Counter("evalgate_queue_reject_total")
	return &Observability{
		Tracer:        tracer,
		Meter:         meter,
		traceProvider: tp,
		RunCounter:    runCounter,
		SuiteDuration: suiteDuration,
		BreakerTrips:  breakerTrips,
		GuardrailHits: guardrailHits,
		CacheReuse:    cacheReuse,
		QueueRejects:  queueRejects,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkRun(ctx context.Context, state string) {
	if o == nil {
		return
	}
	o.RunCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
	))
}

func (o *Observability) MarkSuite(ctx context.Context, suite string, durationMS int64) {
	if o == nil {
		return
	}
	o.SuiteDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("suite", suite),
	))
}

func (o *Observability) MarkBreakerTrip(ctx context.Context, targetKey string) {
	if o == nil {
		return
	}
	o.BreakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("target", targetKey)))
}

func (o *Observability) MarkGuardrailHit(ctx context.Context, rule string) {
	if o == nil {
		return
	}
	o.GuardrailHits.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}

func (o *Observability) MarkCacheReuse(ctx context.Context, count int) {
	if o == nil || count <= 0 {
		return
	}
	o.CacheReuse.Add(ctx, int64(count))
}

func (o *Observability) MarkQueueReject(ctx context.Context, targetKey string) {
	if o == nil {
		return
	}
	o.QueueRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("target", targetKey)))
}
