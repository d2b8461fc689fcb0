package tracing

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// EvictReason says why an entry left the registry without its exchange
// completing.
type EvictReason string

const (
	EvictCollected EvictReason = "collected"
	EvictExpired   EvictReason = "expired"
)

const evictedKey = attribute.Key("gateway.evicted")

var noopSpan trace.Span = noop.Span{}

type entry struct {
	inited  chan struct{}
	span    trace.Span
	tagged  atomic.Bool
	started time.Time
	cleanup runtime.Cleanup
}

// ready waits for the inserting caller to finish starting the span.
func (e *entry) ready() trace.Span {
	<-e.inited
	if e.span == nil {
		return noopSpan
	}
	return e.span
}

// Registry maps in-flight requests to their server span. Keys are weak, so
// an entry whose request has been garbage collected is evicted and its span
// ended. Operations on different requests never wait on each other.
type Registry[T any] struct {
	entries sync.Map // weak.Pointer[T] -> *entry
	size    atomic.Int64
	clock   clockz.Clock
	maxAge  time.Duration
	onEvict func(trace.Span, EvictReason)
}

type RegistryOption func(*registryConfig)

type registryConfig struct {
	clock   clockz.Clock
	maxAge  time.Duration
	onEvict func(trace.Span, EvictReason)
}

func WithRegistryClock(c clockz.Clock) RegistryOption {
	return func(rc *registryConfig) { rc.clock = c }
}

// WithEntryMaxAge sets how long an entry may live before Reap evicts it. Zero
// disables age based eviction.
func WithEntryMaxAge(d time.Duration) RegistryOption {
	return func(rc *registryConfig) { rc.maxAge = d }
}

// WithEvictHook is called for every evicted entry, after its span ended.
func WithEvictHook(fn func(trace.Span, EvictReason)) RegistryOption {
	return func(rc *registryConfig) { rc.onEvict = fn }
}

func NewRegistry[T any](opts ...RegistryOption) *Registry[T] {
	rc := registryConfig{clock: clockz.RealClock}
	for _, opt := range opts {
		opt(&rc)
	}
	return &Registry[T]{
		clock:   rc.clock,
		maxAge:  rc.maxAge,
		onEvict: rc.onEvict,
	}
}

// TryBegin registers id if it is not present yet. The caller that inserts
// runs start and gets (span, true); every other caller, concurrent or
// later, gets the same span and false.
func (r *Registry[T]) TryBegin(id *T, start func() trace.Span) (trace.Span, bool) {
	key := weak.Make(id)
	e := &entry{inited: make(chan struct{}), started: r.clock.Now()}
	actual, loaded := r.entries.LoadOrStore(key, e)
	if loaded {
		return actual.(*entry).ready(), false
	}

	r.size.Add(1)
	func() {
		defer close(e.inited)
		e.cleanup = runtime.AddCleanup(id, r.collected, key)
		e.span = start()
	}()
	return e.ready(), true
}

// Lookup returns the span registered for id.
func (r *Registry[T]) Lookup(id *T) (trace.Span, bool) {
	v, ok := r.entries.Load(weak.Make(id))
	if !ok {
		return nil, false
	}
	return v.(*entry).ready(), true
}

// MarkTaggedOnce returns the span and true the first time it is called for
// a registered id. Later calls, and calls for ids that already completed,
// return false.
func (r *Registry[T]) MarkTaggedOnce(id *T) (trace.Span, bool) {
	v, ok := r.entries.Load(weak.Make(id))
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	span := e.ready()
	if !e.tagged.CompareAndSwap(false, true) {
		return nil, false
	}
	return span, true
}

// Complete removes id and returns its span. Completing an id twice is not
// an error; the second call finds nothing.
func (r *Registry[T]) Complete(id *T) (trace.Span, bool) {
	e, ok := r.remove(weak.Make(id))
	if !ok {
		return nil, false
	}
	return e.ready(), true
}

func (r *Registry[T]) remove(key weak.Pointer[T]) (*entry, bool) {
	v, ok := r.entries.LoadAndDelete(key)
	if !ok {
		return nil, false
	}
	r.size.Add(-1)
	e := v.(*entry)
	e.ready()
	e.cleanup.Stop()
	return e, true
}

func (r *Registry[T]) Len() int {
	return int(r.size.Load())
}

// collected runs after the request behind key has been garbage collected
// while still registered.
func (r *Registry[T]) collected(key weak.Pointer[T]) {
	if e, ok := r.remove(key); ok {
		r.evict(e, EvictCollected)
	}
}

// Reap evicts entries older than the configured max age and returns how
// many it removed.
func (r *Registry[T]) Reap() int {
	if r.maxAge <= 0 {
		return 0
	}
	now := r.clock.Now()
	n := 0
	r.entries.Range(func(k, v any) bool {
		if now.Sub(v.(*entry).started) < r.maxAge {
			return true
		}
		if e, ok := r.remove(k.(weak.Pointer[T])); ok {
			r.evict(e, EvictExpired)
			n++
		}
		return true
	})
	return n
}

// Run reaps every interval until ctx is done.
func (r *Registry[T]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.maxAge <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
			r.Reap()
		}
	}
}

func (r *Registry[T]) evict(e *entry, reason EvictReason) {
	span := e.ready()
	span.SetAttributes(evictedKey.String(string(reason)))
	span.End()
	if r.onEvict != nil {
		r.onEvict(span, reason)
	}
}
