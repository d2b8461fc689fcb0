package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

type spanKey struct{}

// Scope is one activation of a span as the ambient span of a pass. Closing
// it puts back the context that was ambient before; it never ends the
// span.
type Scope struct {
	pctx   *pipeline.Context
	prev   context.Context
	active context.Context
	once   sync.Once
}

// Activate makes span the ambient span of pctx until the scope is closed.
func Activate(pctx *pipeline.Context, span trace.Span) *Scope {
	prev := pctx.Context()
	active := trace.ContextWithSpan(prev, span)
	pctx.SetContext(active)
	return &Scope{pctx: pctx, prev: prev, active: active}
}

// Close is idempotent. A scope that is no longer the innermost activation
// leaves the ambient context alone.
func (s *Scope) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.pctx.Context() == s.active {
			s.pctx.SetContext(s.prev)
		}
	})
}

// Context is the context the scope activated.
func (s *Scope) Context() context.Context {
	return s.active
}

// ServerSpan returns the server span of the exchange pctx belongs to, or a
// non-recording span when the exchange is not traced.
func ServerSpan(pctx *pipeline.Context) trace.Span {
	if span, ok := pctx.Exchange().Attribute(spanKey{}).(trace.Span); ok {
		return span
	}
	return noopSpan
}

// Reactivate makes the exchange's server span ambient again. Continuations
// of a suspended pass call it before starting child spans, since the
// activation made when the request arrived ends at the suspension.
func Reactivate(pctx *pipeline.Context) *Scope {
	return Activate(pctx, ServerSpan(pctx))
}
