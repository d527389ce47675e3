package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/internal/logger"
	"github.com/alertrelay/alertrelay/internal/tracing/exporter"
)

const TracerName = "github.com/alertrelay/alertrelay/internal/relay"

type Manager struct {
	enabled      bool
	otlpExporter *exporter.OTLPExporter
	provider     trace.TracerProvider
}

// NewManager installs the process tracer provider. When tracing is disabled
// or the exporter cannot be built, spans go to a no-op provider.
func NewManager(enabled bool, endpoint string, sampleRate float64) (*Manager, error) {
	if !enabled {
		return &Manager{enabled: false, provider: noop.NewTracerProvider()}, nil
	}

	otlpExporter, err := exporter.NewOTLPExporter(endpoint, sampleRate)
	if err != nil {
		logger.Warn("Failed to create OTLP exporter, tracing disabled", zap.Error(err))
		return &Manager{enabled: false, provider: noop.NewTracerProvider()}, nil
	}

	tp := otlpExporter.TracerProvider()
	otel.SetTracerProvider(tp)
	logger.Info("Tracing enabled",
		zap.String("endpoint", otlpExporter.Endpoint()),
		zap.Float64("sample_rate", sampleRate))

	return &Manager{
		enabled:      true,
		otlpExporter: otlpExporter,
		provider:     tp,
	}, nil
}

func (m *Manager) Enabled() bool {
	return m.enabled
}

func (m *Manager) Tracer() trace.Tracer {
	if m == nil || m.provider == nil {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	return m.provider.Tracer(TracerName)
}

// Shutdown flushes buffered spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.otlpExporter == nil {
		return nil
	}
	return m.otlpExporter.Shutdown(ctx)
}
