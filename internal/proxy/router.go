package proxy

import (
	"net/http"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const RouteKey = attribute.Key("http.route")

type Route struct {
	Prefix  string
	Handler http.Handler
}

// Router sends a request to the route with the longest matching prefix.
// A prefix matches whole path segments only: "/users" matches "/users" and
// "/users/7" but not "/usersettings".
type Router struct {
	routes []Route
}

func NewRouter() *Router {
	return &Router{}
}

func (r *Router) AddRoute(prefix string, handler http.Handler) {
	r.routes = append(r.routes, Route{
		Prefix:  strings.TrimSuffix(prefix, "/"),
		Handler: handler,
	})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].Prefix) > len(r.routes[j].Prefix)
	})
}

// Match returns the route for path.
func (r *Router) Match(path string) (Route, bool) {
	for _, route := range r.routes {
		if matches(route.Prefix, path) {
			return route, true
		}
	}
	return Route{}, false
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	route, ok := r.Match(req.URL.Path)
	if !ok {
		http.NotFound(w, req)
		return
	}
	prefix := route.Prefix
	if prefix == "" {
		prefix = "/"
	}
	trace.SpanFromContext(req.Context()).SetAttributes(RouteKey.String(prefix))
	route.Handler.ServeHTTP(w, req)
}

func matches(prefix, path string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
