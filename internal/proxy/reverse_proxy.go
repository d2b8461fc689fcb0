package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/tracing"
)

type Option func(*options)

type options struct {
	transport  http.RoundTripper
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	logger     *zap.Logger
}

// WithTransport sets the round tripper used to reach the backend.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithTracing starts a client span for every upstream call and injects
// its context into the outgoing headers.
func WithTracing(t trace.Tracer, p propagation.TextMapPropagator) Option {
	return func(o *options) {
		o.tracer = t
		o.propagator = p
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func NewReverseProxy(target string, opts ...Option) (*httputil.ReverseProxy, error) {
	backendURL, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("proxy: parse backend %q: %w", target, err)
	}
	if backendURL.Scheme == "" || backendURL.Host == "" {
		return nil, fmt.Errorf("proxy: backend %q must be an absolute url", target)
	}

	o := options{transport: http.DefaultTransport, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	rp := httputil.NewSingleHostReverseProxy(backendURL)
	rp.Transport = o.transport
	if o.tracer != nil {
		rp.Transport = &tracingTransport{base: o.transport, tracer: o.tracer, propagator: o.propagator}
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		o.logger.Warn("upstream request failed",
			zap.String("backend", backendURL.Host),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		w.WriteHeader(status)
	}
	return rp, nil
}

func ProxyHandler(target string, opts ...Option) (http.Handler, error) {
	return NewReverseProxy(target, opts...)
}

// tracingTransport wraps each upstream round trip in a client span.
type tracingTransport struct {
	base       http.RoundTripper
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func (t *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer.Start(req.Context(), "HTTP "+req.Method+" upstream",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()
	span.SetAttributes(
		tracing.HTTPMethodKey.String(req.Method),
		tracing.HTTPURLKey.String(req.URL.String()),
	)

	req = req.Clone(ctx)
	if t.propagator != nil {
		t.propagator.Inject(ctx, tracing.NewCarrier(nil, req.Header))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(tracing.HTTPStatusKey.Int(resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}
