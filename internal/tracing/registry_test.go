package tracing

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type item struct {
	name string
	pad  [64]byte
}

func recorder(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	return sr, tp.Tracer("registry-test")
}

func TestTryBeginStartsOneSpanPerID(t *testing.T) {
	_, tracer := recorder(t)
	reg := NewRegistry[item]()
	id := &item{name: "a"}

	var starts atomic.Int32
	start := func() trace.Span {
		starts.Add(1)
		time.Sleep(time.Millisecond)
		_, span := tracer.Start(t.Context(), "server")
		return span
	}

	const callers = 32
	var (
		wg    sync.WaitGroup
		spans = make([]trace.Span, callers)
		won   atomic.Int32
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			span, isNew := reg.TryBegin(id, start)
			if isNew {
				won.Add(1)
			}
			spans[i] = span
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), starts.Load())
	assert.Equal(t, int32(1), won.Load())
	for _, s := range spans {
		assert.Equal(t, spans[0].SpanContext(), s.SpanContext())
	}
	assert.Equal(t, 1, reg.Len())
}

func TestDistinctIDsGetDistinctSpans(t *testing.T) {
	_, tracer := recorder(t)
	reg := NewRegistry[item]()
	a, b := &item{name: "a"}, &item{name: "b"}
	start := func() trace.Span {
		_, span := tracer.Start(t.Context(), "server")
		return span
	}

	sa, newA := reg.TryBegin(a, start)
	sb, newB := reg.TryBegin(b, start)
	assert.True(t, newA)
	assert.True(t, newB)
	assert.NotEqual(t, sa.SpanContext().SpanID(), sb.SpanContext().SpanID())
	assert.Equal(t, 2, reg.Len())
}

func TestMarkTaggedOnce(t *testing.T) {
	_, tracer := recorder(t)
	reg := NewRegistry[item]()
	id := &item{}

	_, ok := reg.MarkTaggedOnce(id)
	assert.False(t, ok, "absent id")

	span, _ := reg.TryBegin(id, func() trace.Span {
		_, s := tracer.Start(t.Context(), "server")
		return s
	})
	got, ok := reg.MarkTaggedOnce(id)
	require.True(t, ok)
	assert.Equal(t, span, got)

	_, ok = reg.MarkTaggedOnce(id)
	assert.False(t, ok, "second tag")

	_, ok = reg.Complete(id)
	require.True(t, ok)
	_, ok = reg.MarkTaggedOnce(id)
	assert.False(t, ok, "after complete")
}

func TestCompleteIsIdempotent(t *testing.T) {
	_, tracer := recorder(t)
	reg := NewRegistry[item]()
	id := &item{}
	reg.TryBegin(id, func() trace.Span {
		_, s := tracer.Start(t.Context(), "server")
		return s
	})

	_, ok := reg.Complete(id)
	assert.True(t, ok)
	_, ok = reg.Complete(id)
	assert.False(t, ok)
	_, ok = reg.Lookup(id)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())

	// A completed id may begin again as a new exchange.
	_, isNew := reg.TryBegin(id, func() trace.Span { return noopSpan })
	assert.True(t, isNew)
}

func TestReapEvictsStaleEntries(t *testing.T) {
	sr, tracer := recorder(t)
	clock := clockz.NewFakeClock()
	var evicted []EvictReason
	reg := NewRegistry[item](
		WithRegistryClock(clock),
		WithEntryMaxAge(time.Minute),
		WithEvictHook(func(_ trace.Span, reason EvictReason) { evicted = append(evicted, reason) }),
	)
	start := func() trace.Span {
		_, s := tracer.Start(t.Context(), "server")
		return s
	}

	old := &item{name: "old"}
	reg.TryBegin(old, start)
	clock.Advance(45 * time.Second)
	fresh := &item{name: "fresh"}
	reg.TryBegin(fresh, start)

	assert.Equal(t, 0, reg.Reap())
	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, reg.Reap())

	_, ok := reg.Lookup(old)
	assert.False(t, ok)
	_, ok = reg.Lookup(fresh)
	assert.True(t, ok)
	assert.Equal(t, []EvictReason{EvictExpired}, evicted)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	var reason string
	for _, kv := range ended[0].Attributes() {
		if kv.Key == evictedKey {
			reason = kv.Value.AsString()
		}
	}
	assert.Equal(t, string(EvictExpired), reason)
}

func TestReapDisabledWithoutMaxAge(t *testing.T) {
	reg := NewRegistry[item]()
	reg.TryBegin(&item{}, func() trace.Span { return noopSpan })
	assert.Equal(t, 0, reg.Reap())
	assert.Equal(t, 1, reg.Len())
}

func TestRunReapsOnInterval(t *testing.T) {
	clock := clockz.NewFakeClock()
	reg := NewRegistry[item](WithRegistryClock(clock), WithEntryMaxAge(time.Second))
	id := &item{}
	reg.TryBegin(id, func() trace.Span { return noopSpan })

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Run(ctx, time.Second)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		clock.BlockUntilReady()
		return reg.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	runtime.KeepAlive(id)
}

func TestCollectedRequestIsEvicted(t *testing.T) {
	sr, tracer := recorder(t)
	reasons := make(chan EvictReason, 1)
	reg := NewRegistry[item](WithEvictHook(func(_ trace.Span, reason EvictReason) { reasons <- reason }))

	func() {
		id := &item{name: "lost"}
		reg.TryBegin(id, func() trace.Span {
			_, s := tracer.Start(t.Context(), "server")
			return s
		})
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return reg.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, EvictCollected, <-reasons)
	require.Len(t, sr.Ended(), 1)
}
