package pipeline

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
)

var ErrConnectionClosed = errors.New("pipeline: connection closed")

// Connection is the per-connection state shared by every pass of a chain.
type Connection struct {
	id       string
	local    net.Addr
	remote   net.Addr
	secure   bool
	closer   io.Closer
	executor Executor

	wmu sync.Mutex
	w   io.Writer

	mu         sync.Mutex
	attrs      map[any]any
	exchanges  map[*Exchange]struct{}
	remainders map[int]any
	replay     bool
	closed     chan struct{}
}

type ConnectionOption func(*Connection)

func WithID(id string) ConnectionOption {
	return func(c *Connection) { c.id = id }
}

func WithAddrs(local, remote net.Addr) ConnectionOption {
	return func(c *Connection) {
		c.local = local
		c.remote = remote
	}
}

// WithSecure marks the connection as TLS protected.
func WithSecure(secure bool) ConnectionOption {
	return func(c *Connection) { c.secure = secure }
}

// WithCloser sets what Close releases once the connection shuts down.
func WithCloser(closer io.Closer) ConnectionOption {
	return func(c *Connection) { c.closer = closer }
}

// WithExecutor sets where continuations of suspended passes run.
func WithExecutor(e Executor) ConnectionOption {
	return func(c *Connection) { c.executor = e }
}

// NewConnection wraps w as the outbound side of a connection.
func NewConnection(w io.Writer, opts ...ConnectionOption) *Connection {
	c := &Connection{
		w:         w,
		exchanges: make(map[*Exchange]struct{}),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	return c
}

func (c *Connection) ID() string { return c.id }
func (c *Connection) LocalAddr() net.Addr { return c.local }
func (c *Connection) RemoteAddr() net.Addr { return c.remote }
func (c *Connection) Secure() bool { return c.secure }

// Write sends p to the peer. Writes from concurrent continuations are
// serialized.
func (c *Connection) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrConnectionClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.w.Write(p)
}

func (c *Connection) Attribute(key any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs[key]
}

func (c *Connection) SetAttribute(key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attrs == nil {
		c.attrs = make(map[any]any)
	}
	c.attrs[key] = value
}

// NewExchange starts an exchange tracked by the connection, so closing the
// connection completes it.
func (c *Connection) NewExchange() *Exchange {
	ex := NewExchange()
	ex.conn = c
	c.mu.Lock()
	closed := c.isClosed()
	if !closed {
		c.exchanges[ex] = struct{}{}
	}
	c.mu.Unlock()
	if closed {
		ex.Complete()
	}
	return ex
}

func (c *Connection) untrack(ex *Exchange) {
	c.mu.Lock()
	delete(c.exchanges, ex)
	c.mu.Unlock()
}

// Pending reports the number of exchanges not yet completed.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exchanges)
}

func (c *Connection) setRemainder(index int, rem any, replay bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remainders == nil {
		c.remainders = make(map[int]any)
	}
	c.remainders[index] = rem
	if replay {
		c.replay = true
	}
}

func (c *Connection) takeRemainder(index int) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rem, ok := c.remainders[index]
	if ok {
		delete(c.remainders, index)
	}
	return rem, ok
}

// TakeReplay reports whether a stage left a complete message behind that
// should be fed through the chain again without waiting for new input.
func (c *Connection) TakeReplay() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.replay
	c.replay = false
	return r
}

func (c *Connection) Closed() <-chan struct{} { return c.closed }

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close completes every exchange still open on the connection and releases
// the underlying closer. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil
	}
	close(c.closed)
	open := make([]*Exchange, 0, len(c.exchanges))
	for ex := range c.exchanges {
		open = append(open, ex)
	}
	c.mu.Unlock()

	for _, ex := range open {
		ex.Complete()
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
