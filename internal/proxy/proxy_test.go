package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, name)
	})
}

func TestRouterLongestSegmentPrefix(t *testing.T) {
	r := NewRouter()
	r.AddRoute("/users", named("users"))
	r.AddRoute("/users/admin/", named("admins"))
	r.AddRoute("/orders", named("orders"))

	tests := map[string]string{
		"/users":         "users",
		"/users/7":       "users",
		"/users/admin":   "admins",
		"/users/admin/x": "admins",
		"/orders?page=2": "orders",
		"/usersettings":  "404 page not found\n",
		"/":              "404 page not found\n",
	}
	for path, want := range tests {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, want, rec.Body.String())
		})
	}
}

func TestProxyInjectsClientSpan(t *testing.T) {
	var gotParent string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotParent = r.Header.Get("Traceparent")
		assert.Len(t, r.Header.Values("Traceparent"), 1)
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "from backend "+r.URL.Path)
	}))
	defer backend.Close()

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer func() { _ = tp.Shutdown(t.Context()) }()

	h, err := ProxyHandler(backend.URL, WithTracing(tp.Tracer("test"), propagation.TraceContext{}))
	require.NoError(t, err)

	ctx, parent := tp.Tracer("test").Start(t.Context(), "server")
	req := httptest.NewRequest(http.MethodGet, "/users/1", nil).WithContext(ctx)
	req.Header.Set("Traceparent", "00-11111111111111111111111111111111-2222222222222222-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	parent.End()

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "from backend /users/1", rec.Body.String())

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	client := spans[0]
	assert.Equal(t, trace.SpanKindClient, client.SpanKind)
	assert.Equal(t, parent.SpanContext().SpanID(), client.Parent.SpanID())
	assert.Contains(t, gotParent, client.SpanContext.SpanID().String())
	assert.Contains(t, gotParent, parent.SpanContext().TraceID().String())
}

func TestProxyUnreachableBackend(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	h, err := ProxyHandler(url)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProxyRejectsRelativeBackend(t *testing.T) {
	_, err := ProxyHandler("localhost:9001/x")
	assert.Error(t, err)
}
