package tracing

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
	"github.com/CSroseX/traced-gateway/internal/transport"
)

// wire collects what the chain writes to a connection.
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

// handlerStage runs fn once a request has been read in full.
type handlerStage func(pctx *pipeline.Context, req *httpcodec.Request) (pipeline.Action, error)

func (h handlerStage) HandleRead(pctx *pipeline.Context) (pipeline.Action, error) {
	rc, ok := pctx.Message().(*httpcodec.RequestContent)
	if !ok || !rc.Last {
		return pipeline.StopAction, nil
	}
	return h(pctx, rc.Request)
}

func respond(pctx *pipeline.Context, req *httpcodec.Request, status int, body string) error {
	resp := req.Response()
	resp.SetStatus(status)
	return pctx.Write(&httpcodec.ResponseContent{Response: resp, Body: []byte(body), Last: true})
}

type fixture struct {
	chain *pipeline.Chain
	in    *Interceptor
	exp   *tracetest.InMemoryExporter
	tp    *sdktrace.TracerProvider
}

func newFixture(t *testing.T, h handlerStage, opts ...Option) *fixture {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })

	in := New(append([]Option{WithTracerProvider(tp)}, opts...)...)
	stages := in.Assemble([]pipeline.Stage{transport.Stage{}, httpcodec.NewServerStage(), h})
	require.Len(t, stages, 4)
	return &fixture{chain: pipeline.New(stages), in: in, exp: exp, tp: tp}
}

// send feeds raw through the chain on conn and waits for the pass to end,
// resumed or not.
func (f *fixture) send(t *testing.T, conn *pipeline.Connection, raw string) {
	t.Helper()
	pctx, _ := f.chain.Read(conn, []byte(raw))
	select {
	case <-pctx.Done():
	case <-time.After(5 * time.Second):
		t.Error("pass did not finish")
	}
}

func (f *fixture) spans() tracetest.SpanStubs {
	return f.exp.GetSpans()
}

func spanNamed(t *testing.T, spans tracetest.SpanStubs, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range spans {
		if s.Name == name {
			return s
		}
	}
	require.Failf(t, "span not found", "no span named %q in %d spans", name, len(spans))
	return tracetest.SpanStub{}
}

func attrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[kv.Key] = kv.Value
	}
	return m
}

func countAttr(s tracetest.SpanStub, key attribute.Key) int {
	n := 0
	for _, kv := range s.Attributes {
		if kv.Key == key {
			n++
		}
	}
	return n
}
