// Package tracing adds server-side request tracing to a stage pipeline.
//
// An Interceptor rewrites a stage list so that, right above the HTTP codec,
// an EgressStage and an IngressStage are spliced in. The ingress starts one
// server span per exchange, parented on the trace context carried by the
// request headers, and keeps it ambient while the pass runs synchronously.
// The egress tags the span with the response status exactly once. The span
// ends when the exchange completes, whichever goroutine completes it.
package tracing
