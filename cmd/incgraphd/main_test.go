package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/incgraph/engine"
	"github.com/swarmguard/incgraph/internal/resilience"
	"github.com/swarmguard/incgraph/internal/store"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	st, err := store.Open(filepath.Join(t.TempDir(), "incgraph.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := NewRegistry()
	seedDemoCells(reg)

	return &server{
		g:       engine.NewGraph[ComputeNode, string](),
		reg:     reg,
		st:      st,
		pub:     nil,
		limiter: resilience.NewRateLimiter(1000, 1000, time.Second, 1000),
		tracer:  noop.NewTracerProvider().Tracer("test"),
	}
}

func TestHandleCreateResolvesDerivedCell(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(createRequest{Key: "slug"})
	req := httptest.NewRequest(http.MethodPost, "/v1/create", bytes.NewReader(body))
	rw := httptest.NewRecorder()

	s.handleCreate(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rw.Code, rw.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["value"] != "us-east-incgraphd" {
		t.Fatalf("want %q, got %q", "us-east-incgraphd", resp["value"])
	}
}

func TestHandleCreateRejectsUnknownKey(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(createRequest{Key: "does-not-exist"})
	req := httptest.NewRequest(http.MethodPost, "/v1/create", bytes.NewReader(body))
	rw := httptest.NewRecorder()

	s.handleCreate(rw, req)

	if rw.Code != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d", rw.Code)
	}
}

func TestHandleInvalidateRecordsAndClearsMatchingCells(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest(http.MethodPost, "/v1/create", bytes.NewReader(mustJSON(createRequest{Key: "slug"})))
	s.handleCreate(httptest.NewRecorder(), createReq)

	invReq := httptest.NewRequest(http.MethodPost, "/v1/invalidate", bytes.NewReader(mustJSON(invalidateRequest{Prefix: "slug"})))
	invRW := httptest.NewRecorder()
	s.handleInvalidate(invRW, invReq)

	if invRW.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", invRW.Code, invRW.Body.String())
	}
	var result struct {
		RequestID string `json:"request_id"`
		Cleared   int    `json:"cleared"`
		Dirtied   int    `json:"dirtied"`
	}
	if err := json.Unmarshal(invRW.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode invalidate response: %v", err)
	}
	if result.Cleared != 1 {
		t.Fatalf("want cleared=1, got %v", result)
	}
	if result.RequestID == "" {
		t.Fatalf("want non-empty request_id, got %v", result)
	}

	recs, err := s.st.RecentInvalidations(invReq.Context(), 10)
	if err != nil {
		t.Fatalf("recent invalidations: %v", err)
	}
	if len(recs) != 1 || recs[0].Cleared != 1 {
		t.Fatalf("want one audit record with cleared=1, got %v", recs)
	}
}

func TestHandleCriticalPathWalksDependentsFromRoot(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest(http.MethodPost, "/v1/create", bytes.NewReader(mustJSON(createRequest{Key: "label"})))
	s.handleCreate(httptest.NewRecorder(), createReq)

	cpReq := httptest.NewRequest(http.MethodPost, "/v1/critical-path", bytes.NewReader(mustJSON(criticalPathRequest{Roots: []string{"service"}})))
	cpRW := httptest.NewRecorder()
	s.handleCriticalPath(cpRW, cpReq)

	if cpRW.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", cpRW.Code, cpRW.Body.String())
	}
	var result struct {
		CriticalPathMS int64    `json:"critical_path_ms"`
		Path           []string `json:"path"`
	}
	if err := json.Unmarshal(cpRW.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode critical path response: %v", err)
	}
	if result.CriticalPathMS < 10 {
		t.Fatalf("want at least the 10ms simulated on label, got %dms", result.CriticalPathMS)
	}
	if len(result.Path) == 0 || result.Path[0] != "service" {
		t.Fatalf("want path starting at service, got %v", result.Path)
	}
}

func TestHandleCreateRateLimited(t *testing.T) {
	s := newTestServer(t)
	s.limiter = resilience.NewRateLimiter(1, 1, time.Hour, 1)

	req1 := httptest.NewRequest(http.MethodPost, "/v1/create", bytes.NewReader(mustJSON(createRequest{Key: "slug"})))
	rw1 := httptest.NewRecorder()
	s.handleCreate(rw1, req1)
	if rw1.Code != http.StatusOK {
		t.Fatalf("first request want 200, got %d", rw1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/v1/create", bytes.NewReader(mustJSON(createRequest{Key: "slug"})))
	rw2 := httptest.NewRecorder()
	s.handleCreate(rw2, req2)
	if rw2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request want 429, got %d", rw2.Code)
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
