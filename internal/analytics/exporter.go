package analytics

import (
	"context"
	"errors"
	"net/url"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/proxy"
	"github.com/CSroseX/traced-gateway/internal/tenant"
	"github.com/CSroseX/traced-gateway/internal/tracing"
)

var _ sdktrace.SpanExporter = (*Exporter)(nil)

// Exporter feeds finished server spans into Analytics. Only spans tagged
// with a tenant are recorded; the route is the matched router prefix, or
// the request path when no route matched.
type Exporter struct {
	analytics *Analytics
	logger    *zap.Logger
}

func NewExporter(a *Analytics, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{analytics: a, logger: logger}
}

func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	var errs []error
	for _, s := range spans {
		if s.SpanKind() != trace.SpanKindServer {
			continue
		}
		var tenantID, route, rawURL string
		var status int
		for _, kv := range s.Attributes() {
			switch kv.Key {
			case tenant.IDKey:
				tenantID = kv.Value.AsString()
			case proxy.RouteKey:
				route = kv.Value.AsString()
			case tracing.HTTPURLKey:
				rawURL = kv.Value.AsString()
			case tracing.HTTPStatusKey:
				status = int(kv.Value.AsInt64())
			}
		}
		if tenantID == "" {
			continue
		}
		if route == "" {
			route = pathOf(rawURL)
		}
		if err := e.analytics.RecordRequest(ctx, tenantID, route, s.EndTime().Sub(s.StartTime()), status); err != nil {
			e.logger.Warn("recording analytics failed",
				zap.String("tenant", tenantID),
				zap.String("route", route),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Exporter) Shutdown(context.Context) error { return nil }

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
