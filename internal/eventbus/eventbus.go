// Package eventbus publishes best-effort notifications of graph activity
// over NATS. It is an optional collaborator: every caller holds a
// Publisher value that may be nil, and Publish on a nil Publisher is a
// no-op, so the engine's "no distributed execution" stance never
// hardens into a hard runtime dependency on a reachable NATS cluster.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/incgraph/internal/resilience"
)

const (
	// SubjectInvalidated carries an InvalidatedEvent after every
	// InvalidateFromRoots call the sweep controller or incgraphd makes.
	SubjectInvalidated = "incgraph.invalidated"
	// SubjectDrain carries a DrainEvent after every MarkDraining call.
	SubjectDrain = "incgraph.drain"
)

var propagator = propagation.TraceContext{}

// InvalidatedEvent mirrors engine.InvalidationResult plus the predicate
// label that triggered it, since the predicate function itself cannot be
// serialized onto the wire.
type InvalidatedEvent struct {
	PredicateLabel string    `json:"predicate_label"`
	Cleared        int       `json:"cleared"`
	Dirtied        int       `json:"dirtied"`
	At             time.Time `json:"at"`
}

// DrainEvent reports a drain state transition.
type DrainEvent struct {
	Draining bool      `json:"draining"`
	At       time.Time `json:"at"`
}

// Publisher publishes incgraph lifecycle events to NATS, with a circuit
// breaker protecting Publish calls: a down NATS cluster degrades to
// dropped notifications rather than blocking the caller.
type Publisher struct {
	nc      *nats.Conn
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
}

// Connect dials url with resilience.Retry around the connect step (NATS
// itself retries individual ops, but the initial dial is what a
// transient DNS or network blip during startup most often hits).
func Connect(ctx context.Context, url string, log *slog.Logger) (*Publisher, error) {
	nc, err := resilience.Retry(ctx, "eventbus_connect", 5, 200*time.Millisecond, func() (*nats.Conn, error) {
		return nats.Connect(url, nats.Name("incgraph"))
	})
	if err != nil {
		return nil, err
	}
	return &Publisher{
		nc:      nc,
		breaker: resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
		log:     log,
	}, nil
}

// Close closes the underlying connection with a plain Close; it does not
// drain the connection first. Close on a nil Publisher is a no-op.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
}

// PublishInvalidated publishes ev on SubjectInvalidated in a detached
// goroutine, matching NodeContext.Spawn's fire-and-forget shape so a
// caller holding a graph-adjacent lock never blocks on NATS. A nil
// Publisher silently drops the event; an open circuit drops it and logs
// a warning.
func (p *Publisher) PublishInvalidated(ctx context.Context, ev InvalidatedEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	go p.publish(ctx, SubjectInvalidated, data)
}

// PublishDrain publishes ev on SubjectDrain in a detached goroutine.
func (p *Publisher) PublishDrain(ctx context.Context, ev DrainEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	go p.publish(ctx, SubjectDrain, data)
}

func (p *Publisher) publish(ctx context.Context, subject string, data []byte) {
	if p == nil || p.nc == nil {
		return
	}
	if !p.breaker.Allow() {
		if p.log != nil {
			p.log.Warn("eventbus circuit open, dropping event", "subject", subject)
		}
		return
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	err := p.nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
	p.breaker.RecordResult(err == nil)
	if err != nil && p.log != nil {
		p.log.Warn("eventbus publish failed", "subject", subject, "error", err)
	}
}

// Subscribe wraps nc.Subscribe, extracting trace context from each
// message and starting a child span before invoking handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("incgraph-eventbus")
		ctx, span := tr.Start(ctx, "eventbus.consume", oteltrace.WithSpanKind(oteltrace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
