package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const transportScopeName = "github.com/qasehq/trq/http"

// InstrumentedTransport wraps an http.RoundTripper with OTel tracing and
// metrics. Every request gets a span and is counted in trq.http.* metrics,
// labeled by peer host, method and status class. Use WrapTransport to
// create one; it returns the inner transport unchanged when telemetry is
// disabled.
type InstrumentedTransport struct {
	inner http.RoundTripper

	tracer trace.Tracer
	reqs   metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapTransport returns rt decorated with OTel instrumentation. A nil rt
// means http.DefaultTransport. When telemetry is disabled, rt is returned
// as-is with zero overhead.
func WrapTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	if !Enabled() {
		return rt
	}
	m := Meter(transportScopeName)
	reqs, _ := m.Int64Counter("trq.http.requests",
		metric.WithDescription("Total HTTP requests issued to TestRail and Qase"),
	)
	dur, _ := m.Float64Histogram("trq.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("trq.http.errors",
		metric.WithDescription("Total transport errors and 4xx/5xx responses"),
	)
	return &InstrumentedTransport{
		inner:  rt,
		tracer: Tracer(transportScopeName),
		reqs:   reqs,
		dur:    dur,
		errs:   errs,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", req.Method),
		attribute.String("server.address", req.URL.Host),
	}
	ctx, span := t.tracer.Start(req.Context(), req.Method+" "+req.URL.Host,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	t.reqs.Add(ctx, 1, metric.WithAttributes(attrs...))
	start := time.Now()

	resp, err := t.inner.RoundTrip(req.WithContext(ctx))

	ms := float64(time.Since(start).Milliseconds())
	switch {
	case err != nil:
		attrs = append(attrs, attribute.String("error.type", "transport"))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	default:
		attrs = append(attrs, attribute.Int("http.status_code", resp.StatusCode))
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode >= 400 {
			span.SetStatus(codes.Error, resp.Status)
			t.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	}
	t.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	span.End()
	return resp, err
}
