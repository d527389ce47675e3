package exporter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/alertrelay/alertrelay/internal/config"
)

const ServiceName = "alertrelay"

// OTLPExporter owns a tracer provider that batches spans to an OTLP/HTTP
// collector. Spans are sampled by trace ID at sampleRate, following the
// parent decision when one exists.
type OTLPExporter struct {
	tp         *sdktrace.TracerProvider
	endpoint   string
	sampleRate float64
}

func NewOTLPExporter(endpoint string, sampleRate float64) (*OTLPExporter, error) {
	if endpoint == "" {
		endpoint = config.DefaultOTLPEndpoint
	}

	ctx := context.Background()
	otlpExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(config.DefaultTracingExporterTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
			semconv.ServiceVersionKey.String(config.GetVersion()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(otlpExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	return &OTLPExporter{
		tp:         tp,
		endpoint:   endpoint,
		sampleRate: sampleRate,
	}, nil
}

func (e *OTLPExporter) TracerProvider() *sdktrace.TracerProvider {
	return e.tp
}

func (e *OTLPExporter) Endpoint() string {
	return e.endpoint
}

func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	if e.tp != nil {
		return e.tp.Shutdown(ctx)
	}
	return nil
}
