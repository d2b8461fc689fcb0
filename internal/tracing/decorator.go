package tracing

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
)

const (
	ComponentKey  = attribute.Key("component")
	HTTPMethodKey = attribute.Key("http.method")
	HTTPURLKey    = attribute.Key("http.url")
	HTTPStatusKey = attribute.Key("http.status_code")

	DefaultComponent = "go-pipeline-http-server"
)

// SpanDecorator adds metadata to server spans at the points of an
// exchange where it becomes known.
type SpanDecorator interface {
	OnRequest(req *httpcodec.Request, span trace.Span)
	OnResponse(resp *httpcodec.Response, span trace.Span)
	OnError(err error, span trace.Span)
}

// StandardTags sets the component, method, URL and status attributes and
// marks failed exchanges as errors.
type StandardTags struct {
	Component string
	Logger    *zap.Logger
}

func (d StandardTags) OnRequest(req *httpcodec.Request, span trace.Span) {
	component := d.Component
	if component == "" {
		component = DefaultComponent
	}
	span.SetAttributes(
		ComponentKey.String(component),
		HTTPMethodKey.String(req.Method),
		HTTPURLKey.String(d.requestURL(req)),
	)
}

func (StandardTags) OnResponse(resp *httpcodec.Response, span trace.Span) {
	span.SetAttributes(HTTPStatusKey.Int(resp.Status()))
}

func (d StandardTags) OnError(err error, span trace.Span) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.logger().Warn("exchange failed",
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.Error(err),
	)
}

// requestURL rebuilds scheme://host:port/path?query. When the request
// target does not parse, the raw target is used.
func (d StandardTags) requestURL(req *httpcodec.Request) string {
	u, err := ReconstructURL(req)
	if err != nil {
		d.logger().Warn("cannot reconstruct request url",
			zap.String("uri", req.RequestURI),
			zap.Error(err),
		)
		return req.RequestURI
	}
	return u
}

func (d StandardTags) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// ReconstructURL builds the absolute URL of req from the connection and
// the request head.
func ReconstructURL(req *httpcodec.Request) (string, error) {
	target, err := url.ParseRequestURI(req.RequestURI)
	if err != nil {
		return "", err
	}

	scheme := "http"
	if req.Secure {
		scheme = "https"
	}

	host := hostOnly(req.Host)
	if host == "" && req.LocalAddr != nil {
		host = hostOnly(req.LocalAddr.String())
	}
	if host == "" {
		host = "localhost"
	}

	port := req.LocalPort()
	if port == 0 {
		if _, p, err := net.SplitHostPort(req.Host); err == nil {
			port, _ = strconv.Atoi(p)
		}
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     target.Path,
		RawPath:  target.RawPath,
		RawQuery: target.RawQuery,
	}
	switch {
	case port != 0:
		u.Host = net.JoinHostPort(host, strconv.Itoa(port))
	case strings.Contains(host, ":"):
		u.Host = "[" + host + "]"
	}
	return u.String(), nil
}

func hostOnly(hostport string) string {
	if hostport == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}

// decorators fans one call out to several decorators.
type decorators []SpanDecorator

func (ds decorators) OnRequest(req *httpcodec.Request, span trace.Span) {
	for _, d := range ds {
		d.OnRequest(req, span)
	}
}

func (ds decorators) OnResponse(resp *httpcodec.Response, span trace.Span) {
	for _, d := range ds {
		d.OnResponse(resp, span)
	}
}

func (ds decorators) OnError(err error, span trace.Span) {
	for _, d := range ds {
		d.OnError(err, span)
	}
}
