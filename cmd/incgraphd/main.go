// Command incgraphd is a thin HTTP wrapper around the engine package,
// exposing create/invalidate/drain as a JSON/HTTP service for
// out-of-process embedders, the same shape as the orchestrator's own
// cmd/orchestrator main.go but fronting an incremental computation graph
// instead of a DAG workflow executor.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/incgraph/engine"
	"github.com/swarmguard/incgraph/internal/eventbus"
	"github.com/swarmguard/incgraph/internal/resilience"
	"github.com/swarmguard/incgraph/internal/store"
	"github.com/swarmguard/incgraph/internal/sweep"
	"github.com/swarmguard/incgraph/internal/telemetry"
)

func main() {
	const service = "incgraphd"
	log := telemetry.InitLogger(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, promHandler, inst := telemetry.InitMetrics(ctx, service)

	observer := telemetry.NewGraphObserver(log, inst)
	g := engine.NewGraph[ComputeNode, string](engine.WithObserver[ComputeNode, string](observer))

	reg := NewRegistry()
	seedDemoCells(reg)

	dbPath := envOr("INCGRAPH_DB_PATH", "./incgraph.db")
	st, err := store.Open(dbPath, otel.GetMeterProvider().Meter("incgraph"))
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var pub *eventbus.Publisher
	if natsURL := os.Getenv("INCGRAPH_NATS_URL"); natsURL != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		pub, err = eventbus.Connect(connectCtx, natsURL, log)
		connectCancel()
		if err != nil {
			log.Warn("eventbus connect failed, continuing without notifications", "error", err)
			pub = nil
		} else {
			defer pub.Close()
		}
	}

	sweepCtl := sweep.NewController(st, pub, log)
	sweepCtl.RegisterPredicate("all", func() sweep.InvalidateResult {
		result := g.InvalidateFromRoots(func(ComputeNode) bool { return true })
		return sweep.InvalidateResult{Cleared: result.Cleared, Dirtied: result.Dirtied}
	})
	if err := sweepCtl.RestoreSchedules(ctx); err != nil {
		log.Warn("failed to restore sweep schedules", "error", err)
	}
	sweepCtl.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = sweepCtl.Stop(stopCtx)
	}()

	srv := &server{
		g:       g,
		reg:     reg,
		st:      st,
		pub:     pub,
		limiter: resilience.NewRateLimiter(50, 20, time.Second, 100),
		tracer:  otel.Tracer("incgraph-http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/v1/create", srv.handleCreate)
	mux.HandleFunc("/v1/invalidate", srv.handleInvalidate)
	mux.HandleFunc("/v1/drain", srv.handleDrain)
	mux.HandleFunc("/v1/critical-path", srv.handleCriticalPath)
	mux.HandleFunc("/v1/invalidations", srv.handleRecentInvalidations)
	mux.Handle("/metrics", promHandler)

	httpSrv := &http.Server{Addr: envOr("INCGRAPH_HTTP_ADDR", ":8080"), Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()
	log.Info("incgraphd started", "addr", httpSrv.Addr)

	<-ctx.Done()
	log.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}

// seedDemoCells populates a small derived-value pipeline so a freshly
// started incgraphd has something to Create/Get/Invalidate against
// without a client first POSTing definitions (there is deliberately no
// endpoint for registering new cell definitions at runtime — the demo
// registry is fixed at startup, matching the core spec's silence on
// where Node definitions come from).
func seedDemoCells(reg *Registry) {
	reg.SetSource("region", "us-east")
	reg.SetSource("service", "incgraphd")
	reg.SetDerived("slug", "-", []string{"region", "service"}, true, 0)
	reg.SetDerived("label", ": ", []string{"service", "slug"}, true, 10*time.Millisecond)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
