package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
	"github.com/CSroseX/traced-gateway/internal/tracing"
)

const flushThreshold = 32 << 10

var _ interface {
	http.ResponseWriter
	http.Flusher
} = (*ResponseWriter)(nil)

// ResponseWriter writes the response of one exchange through the pipeline.
// Body bytes are buffered until Flush, until the buffer grows large, or
// until the handler returns; a response written in one go is sent with a
// Content-Length, anything else is chunked.
type ResponseWriter struct {
	pctx   *pipeline.Context
	req    *httpcodec.Request
	resp   *httpcodec.Response
	logger *zap.Logger

	mu          sync.Mutex
	buf         bytes.Buffer
	wroteHeader bool
	written     int64
}

func newResponseWriter(pctx *pipeline.Context, req *httpcodec.Request, logger *zap.Logger) *ResponseWriter {
	return &ResponseWriter{
		pctx:   pctx,
		req:    req,
		resp:   req.Response(),
		logger: logger,
	}
}

func (w *ResponseWriter) Header() http.Header {
	return w.resp.Header()
}

func (w *ResponseWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.resp.SetStatus(code)
}

func (w *ResponseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resp.Finished() {
		return 0, httpcodec.ErrResponseFinished
	}
	w.wroteHeader = true
	w.buf.Write(p)
	w.written += int64(len(p))
	if w.buf.Len() >= flushThreshold {
		if err := w.send(false); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush sends the status line, the headers and whatever body is buffered.
func (w *ResponseWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resp.Finished() {
		return
	}
	w.wroteHeader = true
	if err := w.send(false); err != nil {
		w.logger.Debug("flush failed", zap.Error(err))
	}
}

func (w *ResponseWriter) Status() int { return w.resp.Status() }

// Written is the number of body bytes the handler wrote.
func (w *ResponseWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Context is the ambient context of the exchange. It carries the server
// span while the handler runs.
func (w *ResponseWriter) Context() context.Context {
	return w.pctx.Context()
}

// Pipeline exposes the pass the response belongs to.
func (w *ResponseWriter) Pipeline() *pipeline.Context { return w.pctx }

// Go suspends the exchange and runs fn on a worker once the suspension has
// unwound. The server span is made ambient again before fn runs. When fn
// returns without suspending again, the response is finished and the pass
// resumed; an error goes through the pipeline's error handling first.
func (w *ResponseWriter) Go(fn func(w *ResponseWriter) (pipeline.Action, error)) pipeline.Action {
	return w.pctx.Go(func(c *pipeline.Context) {
		scope := tracing.Reactivate(c)
		act, err := w.run(fn)
		if act.IsSuspend() && err == nil {
			scope.Close()
			return
		}
		if err != nil {
			c.Fail(err)
		}
		if ferr := w.finish(); ferr != nil {
			w.logger.Debug("finishing response failed", zap.Error(ferr))
		}
		scope.Close()
		if rerr := c.Resume(); rerr != nil {
			w.logger.Warn("resuming exchange failed", zap.Error(rerr))
		}
	})
}

func (w *ResponseWriter) run(fn func(w *ResponseWriter) (pipeline.Action, error)) (act pipeline.Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			act = pipeline.StopAction
			err = fmt.Errorf("server: handler panicked: %v", r)
		}
	}()
	return fn(w)
}

// finish sends what is buffered as the last piece of the response.
func (w *ResponseWriter) finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resp.Finished() {
		return nil
	}
	return w.send(true)
}

func (w *ResponseWriter) send(last bool) error {
	body := bytes.Clone(w.buf.Bytes())
	w.buf.Reset()
	return w.pctx.Write(&httpcodec.ResponseContent{Response: w.resp, Body: body, Last: last})
}
