// Package telemetry holds the OpenTelemetry tracer and counters shared by the
// credential manager, executors and streams.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer and meter name used for every span and
// instrument emitted by this module.
const InstrumentationName = "github.com/zero-day-ai/granule"

// Telemetry bundles a tracer with the engine's counters.
type Telemetry struct {
	Tracer trace.Tracer

	credentialFetches      metric.Int64Counter
	credentialDeduplicated metric.Int64Counter
	credentialExpired      metric.Int64Counter
	tasksSubmitted         metric.Int64Counter
	tasksCompleted         metric.Int64Counter
	tasksFailed            metric.Int64Counter
}

// New creates a Telemetry from explicit providers. Nil providers fall back
// to the global ones.
func New(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(InstrumentationName)
	t := &Telemetry{Tracer: tp.Tracer(InstrumentationName)}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&t.credentialFetches, "granule.credentials.fetches", "Temporary credential fetches issued to an authenticator."},
		{&t.credentialDeduplicated, "granule.credentials.deduplicated", "Credential requests served by an in-flight fetch."},
		{&t.credentialExpired, "granule.credentials.expired", "Cached credentials rejected by the safety buffer."},
		{&t.tasksSubmitted, "granule.tasks.submitted", "Tasks submitted to an executor."},
		{&t.tasksCompleted, "granule.tasks.completed", "Tasks that returned a value."},
		{&t.tasksFailed, "granule.tasks.failed", "Tasks that returned an error."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	return t, nil
}

var (
	defaultOnce sync.Once
	defaultTel  *Telemetry
)

// Default returns a Telemetry bound to the global otel providers.
func Default() *Telemetry {
	defaultOnce.Do(func() {
		t, err := New(nil, nil)
		if err != nil {
			// The global no-op providers never fail; a misconfigured SDK
			// still gets a working tracer.
			t = &Telemetry{Tracer: otel.Tracer(InstrumentationName)}
		}
		defaultTel = t
	})
	return defaultTel
}

// CredentialFetched records one authenticator round trip for provider.
func (t *Telemetry) CredentialFetched(ctx context.Context, provider string) {
	add(ctx, t.credentialFetches, attribute.String("provider", provider))
}

// CredentialShared records a caller that joined an in-flight fetch.
func (t *Telemetry) CredentialShared(ctx context.Context, provider string) {
	add(ctx, t.credentialDeduplicated, attribute.String("provider", provider))
}

// CredentialExpired records a cached credential rejected by the buffer.
func (t *Telemetry) CredentialExpired(ctx context.Context, provider string) {
	add(ctx, t.credentialExpired, attribute.String("provider", provider))
}

// TaskSubmitted records a task handed to an executor of the given kind.
func (t *Telemetry) TaskSubmitted(ctx context.Context, executor string) {
	add(ctx, t.tasksSubmitted, attribute.String("executor", executor))
}

// TaskFinished records a task outcome.
func (t *Telemetry) TaskFinished(ctx context.Context, executor string, err error) {
	if err != nil {
		add(ctx, t.tasksFailed, attribute.String("executor", executor))
		return
	}
	add(ctx, t.tasksCompleted, attribute.String("executor", executor))
}

func add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
