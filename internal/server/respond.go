package server

import (
	"encoding/json"
	"net/http"

	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

// Text writes a plain text response and ends the exchange.
func Text(w *ResponseWriter, status int, body string) (pipeline.Action, error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		return pipeline.StopAction, err
	}
	return pipeline.StopAction, nil
}

// JSON writes v as a JSON response and ends the exchange.
func JSON(w *ResponseWriter, status int, v any) (pipeline.Action, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return pipeline.StopAction, err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		return pipeline.StopAction, err
	}
	return pipeline.StopAction, nil
}

// Error writes the standard text for status.
func Error(w *ResponseWriter, status int) (pipeline.Action, error) {
	return Text(w, status, http.StatusText(status))
}
