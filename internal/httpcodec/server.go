// Package httpcodec is the HTTP/1.x protocol boundary of a pipeline: it
// turns raw connection bytes into RequestContent messages on the way up
// and ResponseContent messages into bytes on the way down.
package httpcodec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

var (
	ErrHeaderTooLarge              = errors.New("httpcodec: request header too large")
	ErrUnsupportedTransferEncoding = errors.New("httpcodec: unsupported transfer encoding")
)

const defaultMaxHeaderBytes = 1 << 20

var headerEnd = []byte("\r\n\r\n")

type readStateKey struct{}

// readState tracks the request whose body is still arriving on a
// connection.
type readState struct {
	current   *Request
	remaining int64
}

// ServerStage parses requests and frames responses.
type ServerStage struct {
	maxHeaderBytes int
	logger         *zap.Logger
}

type Option func(*ServerStage)

func WithMaxHeaderBytes(n int) Option {
	return func(s *ServerStage) { s.maxHeaderBytes = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *ServerStage) { s.logger = l }
}

func NewServerStage(opts ...Option) *ServerStage {
	s := &ServerStage{
		maxHeaderBytes: defaultMaxHeaderBytes,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ServerStage) Name() string { return "http-server" }

func (s *ServerStage) HandleRead(ctx *pipeline.Context) (pipeline.Action, error) {
	data, ok := ctx.Message().([]byte)
	if !ok {
		return pipeline.ContinueAction, nil
	}
	conn := ctx.Conn()
	st, _ := conn.Attribute(readStateKey{}).(*readState)
	if st == nil {
		st = &readState{}
		conn.SetAttribute(readStateKey{}, st)
	}

	if st.current == nil {
		end := bytes.Index(data, headerEnd)
		if end < 0 {
			if len(data) > s.maxHeaderBytes {
				return pipeline.StopAction, ErrHeaderTooLarge
			}
			if len(data) == 0 {
				return pipeline.StopAction, nil
			}
			return pipeline.StopWith(data), nil
		}
		hr, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data[:end+len(headerEnd)])))
		if err != nil {
			return pipeline.StopAction, fmt.Errorf("httpcodec: malformed request: %w", err)
		}
		if hr.ContentLength < 0 && len(hr.TransferEncoding) > 0 {
			return pipeline.StopAction, fmt.Errorf("%w: %v", ErrUnsupportedTransferEncoding, hr.TransferEncoding)
		}

		req := newRequest(hr, conn)
		req.exchange = conn.NewExchange()
		if req.Close {
			req.exchange.AddCompletionListener(func() { _ = conn.Close() })
		}
		st.current = req
		st.remaining = max(hr.ContentLength, 0)
		data = data[end+len(headerEnd):]
		s.logger.Debug("request head parsed",
			zap.String("conn", conn.ID()),
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
		)
	}

	req := st.current
	n := min(int64(len(data)), st.remaining)
	chunk := data[:n]
	rest := data[n:]
	st.remaining -= n
	req.appendBody(chunk)

	last := st.remaining == 0
	ctx.BindExchange(req.exchange)
	if last {
		req.exchange.MarkFinal()
		st.current = nil
	}
	ctx.SetMessage(&RequestContent{Request: req, Body: chunk, Last: last})

	if len(rest) > 0 {
		return pipeline.ContinueWith(append([]byte(nil), rest...)), nil
	}
	return pipeline.ContinueAction, nil
}

func (s *ServerStage) HandleWrite(ctx *pipeline.Context) (pipeline.Action, error) {
	rc, ok := ctx.Message().(*ResponseContent)
	if !ok {
		return pipeline.ContinueAction, nil
	}
	b, err := rc.Response.encode(rc.Body, rc.Last)
	if err != nil {
		return pipeline.StopAction, err
	}
	ctx.SetMessage(b)
	return pipeline.ContinueAction, nil
}

// ExceptionOccurred answers a failed request with 500, or 400 when the
// request could not be parsed, unless a response is already on its way.
// The 500 travels down from the failing stage so the stages in between see
// it like any other response.
func (s *ServerStage) ExceptionOccurred(ctx *pipeline.Context, err error) {
	switch msg := ctx.Message().(type) {
	case *RequestContent:
		resp := msg.Request.Response()
		if resp.Committed() {
			return
		}
		resp.SetStatus(http.StatusInternalServerError)
		werr := ctx.Write(&ResponseContent{
			Response: resp,
			Body:     []byte(http.StatusText(http.StatusInternalServerError)),
			Last:     true,
		})
		if werr != nil {
			s.logger.Warn("writing error response failed", zap.Error(werr), zap.NamedError("cause", err))
		}
	case []byte:
		idx := ctx.Chain().IndexOf(s)
		if idx < 0 {
			return
		}
		raw := []byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
		if werr := ctx.WriteBelow(idx, raw); werr != nil {
			s.logger.Warn("writing error response failed", zap.Error(werr), zap.NamedError("cause", err))
		}
		_ = ctx.Conn().Close()
	}
}
