// Package observer provides OTEL-based observability for the daemon.
//
// It exposes counters for forwarded messages, handled commands and queue
// drops, plus a histogram for scheduler fire latency, exported via OTLP
// HTTP. Users export to any OTEL-compatible backend by setting standard
// OTEL env vars. A nil *Instruments is a valid no-op.
package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/edgelink/observer"

// Instruments holds the OTEL instruments the daemon records into.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Counters
	MessagesForwarded metric.Int64Counter
	CommandsHandled   metric.Int64Counter
	QueueDropped      metric.Int64Counter

	// Histograms
	ScheduleLatency metric.Float64Histogram

	// Gauges
	QueueDepth metric.Int64Gauge
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("edgelink")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	messagesForwarded, err := meter.Int64Counter("edge.messages.forwarded",
		metric.WithDescription("Inbound messages forwarded to the backend"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	commandsHandled, err := meter.Int64Counter("edge.commands.handled",
		metric.WithDescription("Backend commands executed"),
		metric.WithUnit("{command}"))
	if err != nil {
		return nil, err
	}

	queueDropped, err := meter.Int64Counter("edge.sendqueue.dropped",
		metric.WithDescription("Send jobs dropped after retries or TTL"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}

	scheduleLatency, err := meter.Float64Histogram("edge.scheduler.latency",
		metric.WithDescription("Delay between send_at and queue handoff"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge("edge.sendqueue.depth",
		metric.WithDescription("Current send queue depth"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		MessagesForwarded: messagesForwarded,
		CommandsHandled:   commandsHandled,
		QueueDropped:      queueDropped,
		ScheduleLatency:   scheduleLatency,
		QueueDepth:        queueDepth,
	}, nil
}

// RecordForwarded adds n to the forwarded-messages counter.
func (i *Instruments) RecordForwarded(ctx context.Context, n int) {
	if i == nil {
		return
	}
	i.MessagesForwarded.Add(ctx, int64(n))
}

// RecordCommand counts one handled command.
func (i *Instruments) RecordCommand(ctx context.Context) {
	if i == nil {
		return
	}
	i.CommandsHandled.Add(ctx, 1)
}

// RecordQueueDrop counts one send job dropped after retries or TTL.
func (i *Instruments) RecordQueueDrop(ctx context.Context) {
	if i == nil {
		return
	}
	i.QueueDropped.Add(ctx, 1)
}

// RecordScheduleLatency records one scheduler fire latency.
func (i *Instruments) RecordScheduleLatency(ctx context.Context, d time.Duration) {
	if i == nil {
		return
	}
	i.ScheduleLatency.Record(ctx, float64(d.Milliseconds()))
}

// RecordQueueDepth records the current send queue depth.
func (i *Instruments) RecordQueueDepth(ctx context.Context, depth int) {
	if i == nil {
		return
	}
	i.QueueDepth.Record(ctx, int64(depth))
}
