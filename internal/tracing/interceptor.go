package tracing

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

const instrumentationName = "github.com/CSroseX/traced-gateway/internal/tracing"

// Interceptor holds what the ingress and egress stages of a traced
// pipeline share: the tracer, the propagator, the decorators and the span
// registry. One Interceptor may assemble any number of pipelines.
type Interceptor struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	decorators decorators
	logger     *zap.Logger
	observer   Observer
	spanName   func(*httpcodec.Request) string

	boundary      func(pipeline.Stage) bool
	boundaryIndex int

	registry     *Registry[httpcodec.Request]
	reapInterval time.Duration
}

type config struct {
	tracer        trace.Tracer
	propagator    propagation.TextMapPropagator
	decorators    []SpanDecorator
	component     string
	logger        *zap.Logger
	observer      Observer
	spanName      func(*httpcodec.Request) string
	boundary      func(pipeline.Stage) bool
	boundaryIndex int
	clock         clockz.Clock
	maxAge        time.Duration
	reapInterval  time.Duration
}

type Option func(*config)

// WithTracer sets the tracer server spans are started with. Without it
// spans are not recorded.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

// WithTracerProvider is WithTracer with the package's instrumentation
// name.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracer = tp.Tracer(instrumentationName) }
}

// WithPropagator sets how the parent trace context is read from request
// headers. The default is W3C trace context.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *config) { c.propagator = p }
}

// WithDecorators replaces the standard tags. Pass StandardTags along with
// custom decorators to keep them.
func WithDecorators(ds ...SpanDecorator) Option {
	return func(c *config) { c.decorators = ds }
}

// WithComponent sets the component tag of the standard decorator.
func WithComponent(name string) Option {
	return func(c *config) { c.component = name }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

func WithObserver(o Observer) Option {
	return func(c *config) { c.observer = o }
}

// WithSpanName overrides the "HTTP <METHOD>" operation name.
func WithSpanName(fn func(*httpcodec.Request) string) Option {
	return func(c *config) { c.spanName = fn }
}

// WithBoundary locates the protocol boundary by predicate. The default
// matches *httpcodec.ServerStage.
func WithBoundary(match func(pipeline.Stage) bool) Option {
	return func(c *config) { c.boundary = match }
}

// WithBoundaryIndex names the boundary position directly. It wins over the
// predicate.
func WithBoundaryIndex(i int) Option {
	return func(c *config) { c.boundaryIndex = i }
}

func WithClock(clock clockz.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithMaxAge evicts spans of exchanges that have not completed after d.
// Zero keeps them until completion or collection.
func WithMaxAge(d time.Duration) Option {
	return func(c *config) { c.maxAge = d }
}

func WithReapInterval(d time.Duration) Option {
	return func(c *config) { c.reapInterval = d }
}

func New(opts ...Option) *Interceptor {
	c := config{
		tracer:        noop.NewTracerProvider().Tracer(instrumentationName),
		propagator:    propagation.TraceContext{},
		logger:        zap.NewNop(),
		observer:      nopObserver{},
		spanName:      DefaultSpanName,
		boundary:      IsHTTPBoundary,
		boundaryIndex: -1,
		clock:         clockz.RealClock,
		reapInterval:  time.Minute,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.decorators == nil {
		c.decorators = []SpanDecorator{StandardTags{Component: c.component, Logger: c.logger}}
	}

	in := &Interceptor{
		tracer:        c.tracer,
		propagator:    c.propagator,
		decorators:    decorators(c.decorators),
		logger:        c.logger,
		observer:      c.observer,
		spanName:      c.spanName,
		boundary:      c.boundary,
		boundaryIndex: c.boundaryIndex,
		reapInterval:  c.reapInterval,
	}
	in.registry = NewRegistry[httpcodec.Request](
		WithRegistryClock(c.clock),
		WithEntryMaxAge(c.maxAge),
		WithEvictHook(func(span trace.Span, reason EvictReason) {
			in.logger.Warn("server span evicted before completion",
				zap.String("trace_id", span.SpanContext().TraceID().String()),
				zap.String("reason", string(reason)),
			)
			in.observer.EntryEvicted(string(reason))
		}),
	)
	return in
}

// DefaultSpanName names server spans "HTTP <METHOD>".
func DefaultSpanName(req *httpcodec.Request) string {
	return "HTTP " + req.Method
}

// IsHTTPBoundary reports whether s is the HTTP codec.
func IsHTTPBoundary(s pipeline.Stage) bool {
	_, ok := s.(*httpcodec.ServerStage)
	return ok
}

// Registry exposes the span registry, mostly for tests and metrics.
func (in *Interceptor) Registry() *Registry[httpcodec.Request] {
	return in.registry
}

// Run evicts stale registry entries until ctx is done. It returns at once
// when no max age is configured.
func (in *Interceptor) Run(ctx context.Context) {
	in.registry.Run(ctx, in.reapInterval)
}

// Assemble returns a new stage list with an EgressStage and an
// IngressStage spliced right above the protocol boundary. The ingress wraps
// the stage that followed the boundary. stages is never modified; when no
// boundary is found it is returned as is.
func (in *Interceptor) Assemble(stages []pipeline.Stage) []pipeline.Stage {
	i := in.boundaryIndex
	if i < 0 {
		i = indexOf(stages, in.boundary)
	}
	if i < 0 || i >= len(stages) {
		return stages
	}
	return Splice(stages, i, &EgressStage{in: in}, func(next pipeline.Stage) pipeline.Stage {
		return &IngressStage{next: next, in: in}
	})
}

// Assemble is New(opts...).Assemble(stages).
func Assemble(stages []pipeline.Stage, opts ...Option) []pipeline.Stage {
	return New(opts...).Assemble(stages)
}

// Splice builds stages[:i+1] + egress + wrap(stages[i+1]) + stages[i+2:]
// in a fresh slice. A boundary at the end gets a pass-through stage to
// wrap.
func Splice(stages []pipeline.Stage, i int, egress pipeline.Stage, wrap func(pipeline.Stage) pipeline.Stage) []pipeline.Stage {
	out := make([]pipeline.Stage, 0, len(stages)+2)
	out = append(out, stages[:i+1]...)
	out = append(out, egress)
	if i+1 < len(stages) {
		out = append(out, wrap(stages[i+1]))
		out = append(out, stages[i+2:]...)
	} else {
		out = append(out, wrap(pipeline.PassThrough{}))
	}
	return out
}

func indexOf(stages []pipeline.Stage, match func(pipeline.Stage) bool) int {
	for i, s := range stages {
		if match(s) {
			return i
		}
	}
	return -1
}
