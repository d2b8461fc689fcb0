package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
	"github.com/CSroseX/traced-gateway/internal/tracing"
	"github.com/CSroseX/traced-gateway/internal/transport"
)

type wire struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *wire) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *wire) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func serve(t *testing.T, stages []pipeline.Stage, raw string) string {
	t.Helper()
	w := &wire{}
	pctx, _ := pipeline.New(stages).Read(pipeline.NewConnection(w), []byte(raw))
	select {
	case <-pctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not finish")
	}
	return w.String()
}

func plain(h Handler) []pipeline.Stage {
	return []pipeline.Stage{transport.Stage{}, httpcodec.NewServerStage(), NewStage(h)}
}

func readResponse(t *testing.T, raw string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestTextResponse(t *testing.T) {
	out := serve(t, plain(HandlerFunc(func(w *ResponseWriter, req *httpcodec.Request) (pipeline.Action, error) {
		return Text(w, http.StatusTeapot, "short and stout")
	})), "GET /pot HTTP/1.1\r\nHost: h\r\n\r\n")

	resp, body := readResponse(t, out)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, int64(len("short and stout")), resp.ContentLength)
	assert.Equal(t, "short and stout", body)
}

func TestFlushSwitchesToChunked(t *testing.T) {
	out := serve(t, plain(HandlerFunc(func(w *ResponseWriter, req *httpcodec.Request) (pipeline.Action, error) {
		w.WriteHeader(http.StatusAccepted)
		w.Flush()
		_, err := w.Write([]byte("later"))
		return pipeline.StopAction, err
	})), "GET / HTTP/1.1\r\nHost: h\r\n\r\n")

	resp, body := readResponse(t, out)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "later", body)
}

func TestEmptyHandlerStillResponds(t *testing.T) {
	out := serve(t, plain(HandlerFunc(func(*ResponseWriter, *httpcodec.Request) (pipeline.Action, error) {
		return pipeline.StopAction, nil
	})), "GET / HTTP/1.1\r\nHost: h\r\n\r\n")

	resp, body := readResponse(t, out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
}

func TestHandlerErrorBecomes500(t *testing.T) {
	out := serve(t, plain(HandlerFunc(func(*ResponseWriter, *httpcodec.Request) (pipeline.Action, error) {
		return pipeline.StopAction, errors.New("no database")
	})), "GET / HTTP/1.1\r\nHost: h\r\n\r\n")

	resp, _ := readResponse(t, out)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestNestedContinuations(t *testing.T) {
	out := serve(t, plain(HandlerFunc(func(w *ResponseWriter, req *httpcodec.Request) (pipeline.Action, error) {
		return w.Go(func(w *ResponseWriter) (pipeline.Action, error) {
			return w.Go(func(w *ResponseWriter) (pipeline.Action, error) {
				return JSON(w, http.StatusOK, map[string]string{"depth": "2"})
			}), nil
		}), nil
	})), "GET / HTTP/1.1\r\nHost: h\r\n\r\n")

	resp, body := readResponse(t, out)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"depth":"2"}`, body)
}

func TestHTTPHandlerAdapter(t *testing.T) {
	h := HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, "/echo?x=1", r.RequestURI)
		assert.Equal(t, "1", r.URL.Query().Get("x"))
		assert.Equal(t, "h", r.Host)
		w.Header().Set("X-Echo", r.Header.Get("X-In"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(bytes.ToUpper(b))
	}))
	out := serve(t, plain(h), "POST /echo?x=1 HTTP/1.1\r\nHost: h\r\nX-In: yes\r\nContent-Length: 5\r\n\r\nhello")

	resp, body := readResponse(t, out)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Echo"))
	assert.Equal(t, "HELLO", body)
}

func TestHTTPHandlerPanicBecomes500(t *testing.T) {
	h := HTTPHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil map")
	}))
	resp, _ := readResponse(t, serve(t, plain(h), "GET / HTTP/1.1\r\nHost: h\r\n\r\n"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTPHandlerSpansAreChildren(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer func() { _ = tp.Shutdown(t.Context()) }()

	h := HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, span := tp.Tracer("test").Start(r.Context(), "lookup")
		span.End()
		w.WriteHeader(http.StatusNoContent)
	}))
	stages := tracing.Assemble(plain(h), tracing.WithTracerProvider(tp))
	serve(t, stages, "GET /things HTTP/1.1\r\nHost: h\r\n\r\n")

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	var server, child tracetest.SpanStub
	for _, s := range spans {
		if strings.HasPrefix(s.Name, "HTTP ") {
			server = s
		} else {
			child = s
		}
	}
	assert.Equal(t, server.SpanContext.SpanID(), child.Parent.SpanID())
	for _, kv := range server.Attributes {
		if kv.Key == tracing.HTTPStatusKey {
			assert.Equal(t, int64(http.StatusNoContent), kv.Value.AsInt64())
		}
	}
}

func TestWrapOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(w *ResponseWriter, req *httpcodec.Request) (pipeline.Action, error) {
				order = append(order, name)
				return next.ServeExchange(w, req)
			})
		}
	}
	serve(t, plain(Wrap(NotFound, mw("outer"), mw("inner"))), "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	assert.Equal(t, []string{"outer", "inner"}, order)
}
