package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

// IngressStage wraps the stage right above the protocol boundary. The
// first time it sees a request it starts the server span, makes it ambient
// and ties the end of the span to the completion of the exchange. Every
// other event goes to the wrapped stage untouched.
type IngressStage struct {
	next pipeline.Stage
	in   *Interceptor
}

func (s *IngressStage) Name() string {
	return "tracing-ingress(" + pipeline.Name(s.next) + ")"
}

// Wrapped returns the stage the ingress delegates to.
func (s *IngressStage) Wrapped() pipeline.Stage { return s.next }

func (s *IngressStage) HandleRead(pctx *pipeline.Context) (pipeline.Action, error) {
	rc, ok := pctx.Message().(*httpcodec.RequestContent)
	if !ok || rc.Request == nil {
		return pipeline.Read(s.next, pctx)
	}
	req := rc.Request

	span, isNew := s.begin(req)
	if span == nil {
		return pipeline.Read(s.next, pctx)
	}
	if isNew {
		ex := pctx.Exchange()
		ex.SetAttribute(spanKey{}, span)
		ex.AddCompletionListener(func() { s.in.complete(req) })
	}

	// Every pass of the exchange, not only the first, runs with the server
	// span ambient; body chunks after the first arrive in passes of their
	// own.
	scope := Activate(pctx, span)
	keep := false
	defer func() {
		if !keep {
			scope.Close()
		}
	}()

	act, err := pipeline.Read(s.next, pctx)
	if err == nil && act.Kind == pipeline.Continue {
		// Stages above still run in this pass.
		keep = true
		pctx.Exchange().AddCompletionListener(scope.Close)
	}
	return act, err
}

func (s *IngressStage) begin(req *httpcodec.Request) (span trace.Span, isNew bool) {
	defer func() {
		if r := recover(); r != nil {
			s.in.logger.Error("starting server span failed",
				zap.String("uri", req.RequestURI),
				zap.Any("panic", r),
			)
			if sp, ok := s.in.registry.Complete(req); ok {
				sp.End()
			}
			span, isNew = nil, false
		}
	}()
	return s.in.registry.TryBegin(req, func() trace.Span {
		return s.in.startSpan(req)
	})
}

func (s *IngressStage) HandleWrite(pctx *pipeline.Context) (pipeline.Action, error) {
	return pipeline.Write(s.next, pctx)
}

func (s *IngressStage) HandleConnect(pctx *pipeline.Context) (pipeline.Action, error) {
	return pipeline.Connect(s.next, pctx)
}

func (s *IngressStage) HandleAccept(pctx *pipeline.Context) (pipeline.Action, error) {
	return pipeline.Accept(s.next, pctx)
}

func (s *IngressStage) HandleEvent(pctx *pipeline.Context, ev pipeline.Event) (pipeline.Action, error) {
	return pipeline.Notify(s.next, pctx, ev)
}

func (s *IngressStage) HandleClose(pctx *pipeline.Context) (pipeline.Action, error) {
	return pipeline.Close(s.next, pctx)
}

func (s *IngressStage) ExceptionOccurred(pctx *pipeline.Context, err error) {
	pipeline.ExceptionOccurred(s.next, pctx, err)
}

func (s *IngressStage) OnAdded(c *pipeline.Chain)        { pipeline.Added(s.next, c) }
func (s *IngressStage) OnRemoved(c *pipeline.Chain)      { pipeline.Removed(s.next, c) }
func (s *IngressStage) OnChainChanged(c *pipeline.Chain) { pipeline.ChainChanged(s.next, c) }

// startSpan extracts the caller's trace context and starts the server span
// as its child, or as a root when there is none. The ambient context of the
// pass is ignored on purpose: the parent comes from the wire only.
func (in *Interceptor) startSpan(req *httpcodec.Request) trace.Span {
	parent := in.extract(req)
	_, span := in.tracer.Start(parent, in.spanName(req),
		trace.WithSpanKind(trace.SpanKindServer),
	)
	in.decorators.OnRequest(req, span)
	in.observer.SpanStarted()
	return span
}

func (in *Interceptor) extract(req *httpcodec.Request) (ctx context.Context) {
	ctx = context.Background()
	defer func() {
		if r := recover(); r != nil {
			in.logger.Warn("trace context extraction failed",
				zap.String("uri", req.RequestURI),
				zap.String("panic", fmt.Sprint(r)),
			)
			ctx = context.Background()
		}
	}()
	return in.propagator.Extract(ctx, RequestCarrier(req))
}

// complete ends the server span of req and forgets it. It runs once per
// exchange, from the exchange's completion.
func (in *Interceptor) complete(req *httpcodec.Request) {
	span, ok := in.registry.Complete(req)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("ending server span failed", zap.Any("panic", r))
		}
	}()
	span.End()
	if ex := req.Exchange(); ex != nil {
		in.observer.ExchangeCompleted(time.Since(ex.Started()))
	}
}
