// Package obs bundles the process's observability resources: the
// structured logger, an OpenTelemetry tracer and a Prometheus registry.
// A Provider is constructed once at startup and passed by reference into
// the gateway, planner and scheduler — never reached for as a global.
package obs

import (
	"context"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// EnvTraceStdout enables span export to stderr when set to a non-empty
// value; without it the tracer is a no-op and span calls cost nothing.
const EnvTraceStdout = "AGENTMESH_TRACE_STDOUT"

// Provider carries the process-wide observability resources.
type Provider struct {
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Prometheus *prometheus.Registry

	tp *sdktrace.TracerProvider
}

// New builds a Provider around the given logger. Tracing is exported to
// stderr only when AGENTMESH_TRACE_STDOUT is set.
func New(serviceName string, log *slog.Logger) (*Provider, error) {
	p := &Provider{
		Logger:     log,
		Prometheus: prometheus.NewRegistry(),
	}

	if os.Getenv(EnvTraceStdout) == "" {
		p.Tracer = noop.NewTracerProvider().Tracer(serviceName)
		return p, nil
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, err
	}
	p.tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	p.Tracer = p.tp.Tracer(serviceName)
	return p, nil
}

// Shutdown flushes any pending spans. Safe to call when tracing was
// never enabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
