// Package observability exports runtime telemetry to OpenTelemetry traces
// and Prometheus metrics. A bridge subscribes to the telemetry bus and
// turns agent-run, model-request, and tool-execute spans into metrics and
// trace spans; the manager owns provider lifecycles and the /metrics
// handler.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config configures tracing and metrics export.
type Config struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures the OpenTelemetry trace exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter is "stdout" for the stdout span exporter. Default "stdout".
	Exporter string `yaml:"exporter,omitempty"`

	// SamplingRate in [0,1]; default 1.0.
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`

	// ServiceName labels exported spans; default "strand".
	ServiceName string `yaml:"service_name,omitempty"`
}

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

func (c *Config) SetDefaults() {
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.SamplingRate <= 0 || c.Tracing.SamplingRate > 1 {
		c.Tracing.SamplingRate = 1.0
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "strand"
	}
}

// Manager owns the trace and meter providers and the bus bridge.
type Manager struct {
	mu             sync.Mutex
	cfg            Config
	tracerProvider trace.TracerProvider
	metrics        *Metrics
	registry       *promclient.Registry
	bridge         *bridge
}

func NewManager(cfg Config) *Manager {
	cfg.SetDefaults()
	return &Manager{cfg: cfg, tracerProvider: tracenoop.NewTracerProvider()}
}

// Initialize builds the providers and attaches the telemetry-bus bridge.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Tracing.Enabled {
		tp, err := initTracerProvider(ctx, m.cfg.Tracing)
		if err != nil {
			return err
		}
		m.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if m.cfg.Metrics.Enabled {
		m.registry = promclient.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(m.registry))
		if err != nil {
			return fmt.Errorf("creating prometheus exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		metrics, err := newMetrics(provider.Meter("strand"))
		if err != nil {
			return err
		}
		m.metrics = metrics
	}

	m.bridge = newBridge(m.tracerProvider.Tracer("strand"), m.metrics)
	m.bridge.attach()
	return nil
}

// Handler serves the Prometheus exposition endpoint, or 404 when metrics
// are disabled.
func (m *Manager) Handler() http.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Tracer returns a named tracer from the manager's provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracerProvider.Tracer(name)
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bridge != nil {
		m.bridge.detach()
		m.bridge = nil
	}
	if sd, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return sd.Shutdown(ctx)
	}
	return nil
}
