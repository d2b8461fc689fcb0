package chaos

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
	"github.com/CSroseX/traced-gateway/internal/server"
)

// Middleware injects the configured faults in front of next. A delay
// suspends the exchange and picks it up again from a timer, so slow mode
// holds no connection goroutine while it waits.
func (c *Controller) Middleware(next server.Handler) server.Handler {
	return server.HandlerFunc(func(w *server.ResponseWriter, req *httpcodec.Request) (pipeline.Action, error) {
		cfg := c.Get()
		c.recordRequest()

		if !c.applies(cfg, req) {
			return next.ServeExchange(w, req)
		}

		if cfg.Delay > 0 {
			c.record(KindDelay)
			c.decision(w, req, "Injected latency", KindDelay, zap.Int64("delay_ms", cfg.Delay.Milliseconds()))
			return w.Go(func(w *server.ResponseWriter) (pipeline.Action, error) {
				<-c.clock.After(cfg.Delay)
				return c.inject(cfg, w, req, next)
			}), nil
		}
		return c.inject(cfg, w, req, next)
	})
}

func (c *Controller) applies(cfg Config, req *httpcodec.Request) bool {
	if !cfg.Enabled {
		return false
	}
	if !cfg.ExpiresAt.IsZero() && !c.clock.Now().Before(cfg.ExpiresAt) {
		return false
	}
	return cfg.Route == "" || cfg.Route == req.URL.Path
}

func (c *Controller) inject(cfg Config, w *server.ResponseWriter, req *httpcodec.Request, next server.Handler) (pipeline.Action, error) {
	if cfg.ErrorRate > 0 && c.roll(100) < cfg.ErrorRate {
		c.record(KindFail)
		c.decision(w, req, "Injected backend failure", KindFail, zap.Int("error_code", http.StatusServiceUnavailable))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, err := w.Write([]byte(`{"error":"Service Unavailable (chaos injection)"}`))
		return pipeline.StopAction, err
	}

	if cfg.DropRate > 0 && c.roll(100) < cfg.DropRate {
		c.record(KindDrop)
		c.decision(w, req, "Dropped request", KindDrop)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGatewayTimeout)
		_, err := w.Write([]byte(`{"error":"Request dropped (chaos injection)"}`))
		return pipeline.StopAction, err
	}

	return next.ServeExchange(w, req)
}

func (c *Controller) decision(w *server.ResponseWriter, req *httpcodec.Request, msg, kind string, fields ...zap.Field) {
	span := trace.SpanFromContext(w.Context())
	span.AddEvent("chaos."+kind)
	span.SetAttributes(attribute.String("chaos.type", kind))
	c.logger.Info(msg, append(fields,
		zap.String("chaos_type", kind),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)...)
}
