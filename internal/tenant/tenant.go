package tenant

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const tenantKey contextKey = "tenant"

// IDKey tags the server span with the tenant that made the request.
const IDKey = attribute.Key("tenant.id")

// Tenant represents a simple tenant model
type Tenant struct {
	ID   string
	Name string
}

// Directory resolves API keys to tenants.
type Directory struct {
	byKey map[string]Tenant
}

// NewDirectory builds a directory from API key to tenant id.
func NewDirectory(keys map[string]string) *Directory {
	d := &Directory{byKey: make(map[string]Tenant, len(keys))}
	for key, id := range keys {
		d.byKey[key] = Tenant{ID: id, Name: id}
	}
	return d
}

// Add registers t under apiKey, replacing any earlier tenant.
func (d *Directory) Add(apiKey string, t Tenant) {
	d.byKey[apiKey] = t
}

func (d *Directory) Lookup(apiKey string) (Tenant, bool) {
	t, ok := d.byKey[apiKey]
	return t, ok
}

func (d *Directory) Len() int { return len(d.byKey) }

// FromContext returns tenant from request context
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(*Tenant)
	return t, ok
}

// NewContext returns ctx carrying t.
func NewContext(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// Middleware resolves the tenant from the X-API-Key header, stores it in
// the request context and tags the active span with its id.
func (d *Directory) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			http.Error(w, "Missing API Key", http.StatusUnauthorized)
			return
		}

		t, ok := d.Lookup(apiKey)
		if !ok {
			http.Error(w, "Invalid API Key", http.StatusUnauthorized)
			return
		}

		trace.SpanFromContext(r.Context()).SetAttributes(IDKey.String(t.ID))
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), &t)))
	})
}
