// Package resilience adapts the retry/circuit-breaker/rate-limit trio the
// orchestrator used to protect plugin execution into guards for the
// sweep controller's store writes, the event publisher's connect and
// publish paths, and the HTTP front door — never around a Node.Run,
// which owns its own retry semantics if it wants any.
package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type retryCounters struct {
	attempts metric.Int64Counter
	success  metric.Int64Counter
	fail     metric.Int64Counter
}

// Every guarded call site shares one set of instruments rather than each
// minting its own on every invocation; op (below) is what keeps a sweep
// store write and an eventbus dial from collapsing into one
// undifferentiated series.
var sharedRetryCounters = sync.OnceValue(func() retryCounters {
	meter := otel.Meter("incgraph")
	attempts, _ := meter.Int64Counter("incgraph_resilience_retry_attempts_total")
	success, _ := meter.Int64Counter("incgraph_resilience_retry_success_total")
	fail, _ := meter.Int64Counter("incgraph_resilience_retry_fail_total")
	return retryCounters{attempts: attempts, success: success, fail: fail}
})

// Retry runs fn with exponential backoff and full jitter, up to attempts
// times. op names the call site (e.g. "sweep_record_invalidation",
// "eventbus_connect") and is attached to every counter increment as an
// attribute, so a dashboard can tell which guarded operation is actually
// failing instead of seeing one blended retry rate. An attempts of 0 or
// less is a programmer error and returns the zero value with a nil error
// without calling fn.
func Retry[T any](ctx context.Context, op string, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	counters := sharedRetryCounters()
	attr := metric.WithAttributes(attribute.String("op", op))
	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		counters.attempts.Add(ctx, 1, attr)
		if err == nil {
			counters.success.Add(ctx, 1, attr)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			counters.fail.Add(ctx, 1, attr)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	counters.fail.Add(ctx, 1, attr)
	return zero, lastErr
}
