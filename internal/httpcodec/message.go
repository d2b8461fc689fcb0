package httpcodec

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

var ErrResponseFinished = errors.New("httpcodec: response already finished")

// Request is the parsed head of one inbound request. The same *Request is
// carried by every RequestContent of its exchange and identifies the
// exchange until it completes.
type Request struct {
	Method        string
	RequestURI    string
	URL           *url.URL
	Proto         string
	Host          string
	Header        http.Header
	ContentLength int64
	Close         bool
	Secure        bool
	LocalAddr     net.Addr
	RemoteAddr    net.Addr

	exchange *pipeline.Exchange

	mu       sync.Mutex
	body     bytes.Buffer
	response *Response
}

func newRequest(hr *http.Request, conn *pipeline.Connection) *Request {
	return &Request{
		Method:        hr.Method,
		RequestURI:    hr.RequestURI,
		URL:           hr.URL,
		Proto:         hr.Proto,
		Host:          hr.Host,
		Header:        hr.Header,
		ContentLength: hr.ContentLength,
		Close:         hr.Close,
		Secure:        conn.Secure(),
		LocalAddr:     conn.LocalAddr(),
		RemoteAddr:    conn.RemoteAddr(),
	}
}

// NewRequest builds a request outside of a codec, bound to ex.
func NewRequest(method, target string, header http.Header, ex *pipeline.Exchange) (*Request, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, fmt.Errorf("httpcodec: bad request target %q: %w", target, err)
	}
	if header == nil {
		header = make(http.Header)
	}
	return &Request{
		Method:     method,
		RequestURI: target,
		URL:        u,
		Proto:      "HTTP/1.1",
		Host:       header.Get("Host"),
		Header:     header,
		exchange:   ex,
	}, nil
}

func (r *Request) Exchange() *pipeline.Exchange { return r.exchange }

// Body returns the body bytes received so far.
func (r *Request) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.body.Bytes()...)
}

func (r *Request) appendBody(p []byte) {
	r.mu.Lock()
	r.body.Write(p)
	r.mu.Unlock()
}

// Response returns the response of the request, creating it on first use.
func (r *Request) Response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.response == nil {
		r.response = &Response{
			Request: r,
			status:  http.StatusOK,
			header:  make(http.Header),
		}
	}
	return r.response
}

// LocalPort is the port the request was accepted on, or 0 if unknown.
func (r *Request) LocalPort() int {
	switch a := r.LocalAddr.(type) {
	case *net.TCPAddr:
		return a.Port
	case nil:
		return 0
	default:
		_, port, err := net.SplitHostPort(a.String())
		if err != nil {
			return 0
		}
		p, _ := strconv.Atoi(port)
		return p
	}
}

// Response is the outbound side of an exchange. Status and headers are
// fixed by the first write.
type Response struct {
	Request *Request

	mu        sync.Mutex
	status    int
	header    http.Header
	committed bool
	chunked   bool
	noBody    bool
	finished  bool
}

func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus has no effect once the response is committed.
func (r *Response) SetStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.committed {
		r.status = code
	}
}

func (r *Response) Header() http.Header {
	return r.header
}

func (r *Response) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

func (r *Response) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// encode frames body for the wire. The first call writes the status line
// and headers; Content-Length is used when the whole body arrives in one
// write, chunked framing otherwise.
func (r *Response) encode(body []byte, last bool) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil, ErrResponseFinished
	}

	var b bytes.Buffer
	if !r.committed {
		h := r.header.Clone()
		if h == nil {
			h = make(http.Header)
		}
		r.noBody = bodyless(r.status, r.Request.Method)
		if !r.noBody && h.Get("Content-Length") == "" {
			if last {
				h.Set("Content-Length", strconv.Itoa(len(body)))
			} else {
				h.Set("Transfer-Encoding", "chunked")
				r.chunked = true
			}
		}
		if r.Request.Close {
			h.Set("Connection", "close")
		}
		if h.Get("Date") == "" {
			h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		}
		fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.status, http.StatusText(r.status))
		if err := h.Write(&b); err != nil {
			return nil, err
		}
		b.WriteString("\r\n")
		r.committed = true
	}

	if !r.noBody {
		if r.chunked {
			if len(body) > 0 {
				fmt.Fprintf(&b, "%x\r\n", len(body))
				b.Write(body)
				b.WriteString("\r\n")
			}
			if last {
				b.WriteString("0\r\n\r\n")
			}
		} else {
			b.Write(body)
		}
	}
	if last {
		r.finished = true
	}
	return b.Bytes(), nil
}

func bodyless(status int, method string) bool {
	return method == http.MethodHead ||
		(status >= 100 && status < 200) ||
		status == http.StatusNoContent ||
		status == http.StatusNotModified
}

// RequestContent is a read message: a piece of a request body together
// with the request it belongs to.
type RequestContent struct {
	Request *Request
	Body    []byte
	Last    bool
}

// ResponseContent is a write message: a piece of a response body.
type ResponseContent struct {
	Response *Response
	Body     []byte
	Last     bool
}
