package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

// HTTPHandler runs a net/http handler as a continuation, off the
// connection's read loop. The *http.Request it gets carries the exchange's
// ambient context, so spans started from r.Context() are children of the
// server span.
func HTTPHandler(h http.Handler) Handler {
	return HandlerFunc(func(w *ResponseWriter, req *httpcodec.Request) (pipeline.Action, error) {
		return w.Go(func(w *ResponseWriter) (pipeline.Action, error) {
			hr, err := NewHTTPRequest(w.Context(), req)
			if err != nil {
				return pipeline.StopAction, err
			}
			h.ServeHTTP(w, hr)
			return pipeline.StopAction, nil
		}), nil
	})
}

// NewHTTPRequest converts a parsed request into its net/http form.
func NewHTTPRequest(ctx context.Context, req *httpcodec.Request) (*http.Request, error) {
	body := req.Body()
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.RequestURI, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("server: convert request: %w", err)
	}
	hr.Header = req.Header.Clone()
	hr.Host = req.Host
	hr.RequestURI = req.RequestURI
	hr.ContentLength = int64(len(body))
	hr.Close = req.Close
	if req.Proto != "" {
		if major, minor, ok := http.ParseHTTPVersion(req.Proto); ok {
			hr.Proto, hr.ProtoMajor, hr.ProtoMinor = req.Proto, major, minor
		}
	}
	if req.RemoteAddr != nil {
		hr.RemoteAddr = req.RemoteAddr.String()
	}
	return hr, nil
}
