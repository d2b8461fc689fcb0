// Package server runs application handlers at the top of a pipeline.
package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

// Handler answers one request. Returning a suspend action (from
// ResponseWriter.Go) hands the exchange to a continuation; any other action
// ends it and whatever was written is sent.
type Handler interface {
	ServeExchange(w *ResponseWriter, req *httpcodec.Request) (pipeline.Action, error)
}

type HandlerFunc func(w *ResponseWriter, req *httpcodec.Request) (pipeline.Action, error)

func (f HandlerFunc) ServeExchange(w *ResponseWriter, req *httpcodec.Request) (pipeline.Action, error) {
	return f(w, req)
}

type Middleware func(Handler) Handler

// Wrap applies mws so that the first one is outermost.
func Wrap(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Stage adapts a Handler to a pipeline stage. It only acts on the last
// piece of a request, so handlers always see the whole body.
type Stage struct {
	handler Handler
	logger  *zap.Logger
}

type Option func(*Stage)

func WithLogger(l *zap.Logger) Option {
	return func(s *Stage) { s.logger = l }
}

func NewStage(h Handler, opts ...Option) *Stage {
	s := &Stage{handler: h, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stage) Name() string { return "app" }

func (s *Stage) HandleRead(pctx *pipeline.Context) (pipeline.Action, error) {
	rc, ok := pctx.Message().(*httpcodec.RequestContent)
	if !ok || !rc.Last {
		return pipeline.StopAction, nil
	}
	w := newResponseWriter(pctx, rc.Request, s.logger)
	act, err := s.handler.ServeExchange(w, rc.Request)
	if err != nil {
		return pipeline.StopAction, err
	}
	if act.IsSuspend() {
		return act, nil
	}
	if err := w.finish(); err != nil {
		return pipeline.StopAction, err
	}
	return pipeline.StopAction, nil
}

// NotFound answers 404.
var NotFound = HandlerFunc(func(w *ResponseWriter, req *httpcodec.Request) (pipeline.Action, error) {
	return Text(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
})
