package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instruments holds the counters the graph Observer emits through.
// SweepRunsTotal and EventsPublishedTotal are created here but not
// incremented by any package in this module; internal/sweep,
// internal/store and internal/resilience register their own instruments.
type Instruments struct {
	EntriesTotal          metric.Int64Counter
	RunsTotal             metric.Int64Counter
	RunFailuresTotal      metric.Int64Counter
	CacheHitsTotal        metric.Int64Counter
	InvalidationsTotal    metric.Int64Counter
	DirtiedTotal          metric.Int64Counter
	DrainTransitionsTotal metric.Int64Counter
	CyclicRejectionsTotal metric.Int64Counter
	SweepRunsTotal        metric.Int64Counter
	EventsPublishedTotal  metric.Int64Counter
}

// InitMetrics wires a MeterProvider with two readers: a periodic OTLP
// push exporter (same as the teacher's resilience instrumentation) and a
// Prometheus pull exporter, whose collector is returned as an
// http.Handler for a /metrics endpoint — the same promHandler pattern
// the teacher's cmd/orchestrator main.go wires up, generalized from
// prometheus/client_golang's default registry to OTel's bridge so the
// same instruments feed both exporters.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler http.Handler, inst Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	readers := make([]sdkmetric.Option, 0, 2)

	promExp, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(promExp))
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if exp, err := otlpmetricgrpc.New(initCtx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	); err != nil {
		slog.Warn("otlp metrics exporter init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	}

	opts := append([]sdkmetric.Option{sdkmetric.WithResource(res)}, readers...)
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "otlp_endpoint", endpoint)

	return mp.Shutdown, promhttp.Handler(), newInstruments()
}

func newInstruments() Instruments {
	meter := otel.Meter("incgraph")
	mk := func(name string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name)
		return c
	}
	return Instruments{
		EntriesTotal:          mk("incgraph_entries_total"),
		RunsTotal:             mk("incgraph_runs_total"),
		RunFailuresTotal:      mk("incgraph_run_failures_total"),
		CacheHitsTotal:        mk("incgraph_cache_hits_total"),
		InvalidationsTotal:    mk("incgraph_invalidations_total"),
		DirtiedTotal:          mk("incgraph_dirtied_total"),
		DrainTransitionsTotal: mk("incgraph_drain_transitions_total"),
		CyclicRejectionsTotal: mk("incgraph_cyclic_rejections_total"),
		SweepRunsTotal:        mk("incgraph_sweep_runs_total"),
		EventsPublishedTotal:  mk("incgraph_events_published_total"),
	}
}
