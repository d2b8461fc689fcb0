package tracing

import (
	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

// EgressStage sits between the ingress and the protocol boundary and sees
// responses on their way out. It tags the server span with the response
// once per exchange and never ends it.
type EgressStage struct {
	in *Interceptor
}

func (s *EgressStage) Name() string { return "tracing-egress" }

func (s *EgressStage) HandleWrite(pctx *pipeline.Context) (pipeline.Action, error) {
	rc, ok := pctx.Message().(*httpcodec.ResponseContent)
	if !ok || rc.Response == nil || rc.Response.Request == nil {
		return pipeline.ContinueAction, nil
	}
	span, first := s.in.registry.MarkTaggedOnce(rc.Response.Request)
	if !first {
		return pipeline.ContinueAction, nil
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.in.logger.Error("tagging response failed", zap.Any("panic", r))
			}
		}()
		s.in.decorators.OnResponse(rc.Response, span)
		s.in.observer.ResponseTagged(rc.Response.Status())
	}()
	return pipeline.ContinueAction, nil
}

// ExceptionOccurred runs the decorators' error hook on the span of the
// failed exchange. The error itself keeps travelling down the chain.
func (s *EgressStage) ExceptionOccurred(pctx *pipeline.Context, err error) {
	rc, ok := pctx.Message().(*httpcodec.RequestContent)
	if !ok || rc.Request == nil {
		return
	}
	span, ok := s.in.registry.Lookup(rc.Request)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.in.logger.Error("error decoration failed", zap.Any("panic", r))
		}
	}()
	s.in.decorators.OnError(err, span)
}
