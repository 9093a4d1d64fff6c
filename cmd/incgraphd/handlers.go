package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/incgraph/engine"
	"github.com/swarmguard/incgraph/internal/eventbus"
	"github.com/swarmguard/incgraph/internal/resilience"
	"github.com/swarmguard/incgraph/internal/store"
	"github.com/swarmguard/incgraph/internal/telemetry"
)

type server struct {
	g       *engine.Graph[ComputeNode, string]
	reg     *Registry
	st      *store.Store
	pub     *eventbus.Publisher
	limiter *resilience.RateLimiter
	tracer  trace.Tracer
}

type createRequest struct {
	Key string `json:"key"`
}

type invalidateRequest struct {
	Prefix         string `json:"prefix"`
	PredicateLabel string `json:"predicate_label,omitempty"`
}

type criticalPathRequest struct {
	Roots []string `json:"roots"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	ctx, span := s.tracer.Start(r.Context(), telemetry.SpanGraphCreate, trace.WithAttributes(attribute.String("key", req.Key)))
	defer span.End()

	val, err := s.g.Create(ctx, ComputeNode{Key: req.Key, reg: s.reg}, rootContext(s.g))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"key": req.Key, "value": val})
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.PredicateLabel == "" {
		req.PredicateLabel = "prefix:" + req.Prefix
	}

	requestID := uuid.NewString()
	ctx, span := s.tracer.Start(r.Context(), telemetry.SpanGraphInvalidateFromRoots,
		trace.WithAttributes(attribute.String("prefix", req.Prefix), attribute.String("request_id", requestID)))
	defer span.End()

	start := time.Now()
	result := s.g.InvalidateFromRoots(func(n ComputeNode) bool {
		return strings.HasPrefix(n.Key, req.Prefix)
	})

	s.recordAndPublish(ctx, req.PredicateLabel, start, result)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"request_id": requestID,
		"cleared":    result.Cleared,
		"dirtied":    result.Dirtied,
	})
}

func (s *server) recordAndPublish(ctx context.Context, label string, start time.Time, result engine.InvalidationResult) {
	rec := store.InvalidationRecord{
		Timestamp:      start,
		Cleared:        result.Cleared,
		Dirtied:        result.Dirtied,
		PredicateLabel: label,
	}
	if _, err := resilience.Retry(ctx, "http_record_invalidation", 3, 50*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, s.st.RecordInvalidation(ctx, rec)
	}); err != nil {
		return
	}
	s.pub.PublishInvalidated(ctx, eventbus.InvalidatedEvent{
		PredicateLabel: label,
		Cleared:        result.Cleared,
		Dirtied:        result.Dirtied,
		At:             start,
	})
}

func (s *server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Draining bool `json:"draining"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ctx, span := s.tracer.Start(r.Context(), telemetry.SpanGraphMarkDraining, trace.WithAttributes(attribute.Bool("draining", req.Draining)))
	defer span.End()

	if err := s.g.MarkDraining(req.Draining); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.pub.PublishDrain(ctx, eventbus.DrainEvent{Draining: req.Draining, At: time.Now()})
	w.WriteHeader(http.StatusOK)
}

// handleCriticalPath computes the longest simulated-duration path through
// the subgraph reachable from the given root cells, using each cell's
// registered simulate delay as its weight — the same notion of "duration"
// Run already sleeps on, so the reported path matches what a client
// resolving those roots would actually observe wall-clock-wise.
func (s *server) handleCriticalPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req criticalPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Roots) == 0 {
		http.Error(w, "roots required", http.StatusBadRequest)
		return
	}

	_, span := s.tracer.Start(r.Context(), telemetry.SpanGraphCriticalPath,
		trace.WithAttributes(attribute.StringSlice("roots", req.Roots)))
	defer span.End()

	roots := make([]ComputeNode, len(req.Roots))
	for i, key := range req.Roots {
		roots[i] = ComputeNode{Key: key, reg: s.reg}
	}

	total, path := s.g.CriticalPath(roots, func(n ComputeNode) time.Duration {
		def, ok := s.reg.get(n.Key)
		if !ok {
			return 0
		}
		return def.simulate
	})

	keys := make([]string, len(path))
	for i, n := range path {
		keys[i] = n.Key
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"critical_path_ms": total.Milliseconds(),
		"path":             keys,
	})
}

func (s *server) handleRecentInvalidations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.st.RecentInvalidations(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(recs)
}
