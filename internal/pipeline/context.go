package pipeline

import (
	"context"
	"errors"
	"sync"
)

var ErrNotSuspended = errors.New("pipeline: pass is not suspended")

type passState int

const (
	running passState = iota
	suspended
	finished
)

// Context carries one pass through a chain: the current message, the
// stage it is at, the exchange it belongs to and the ambient
// context.Context that stages start work under.
type Context struct {
	chain *Chain
	conn  *Connection

	mu           sync.Mutex
	index        int
	message      any
	exchange     *Exchange
	ambient      context.Context
	state        passState
	continuation func(*Context)
	parked       chan struct{}
	done         chan struct{}
}

func newContext(chain *Chain, conn *Connection, msg any) *Context {
	return &Context{
		chain:   chain,
		conn:    conn,
		message: msg,
		ambient: context.Background(),
		parked:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Context) Chain() *Chain { return c.chain }
func (c *Context) Conn() *Connection { return c.conn }
func (c *Context) Done() <-chan struct{} { return c.done }

func (c *Context) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

func (c *Context) setIndex(i int) {
	c.mu.Lock()
	c.index = i
	c.mu.Unlock()
}

func (c *Context) Message() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.message
}

func (c *Context) SetMessage(msg any) {
	c.mu.Lock()
	c.message = msg
	c.mu.Unlock()
}

// Context returns the ambient context for work done on behalf of this pass.
func (c *Context) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ambient
}

func (c *Context) SetContext(ctx context.Context) {
	c.mu.Lock()
	c.ambient = ctx
	c.mu.Unlock()
}

// Exchange returns the exchange the pass belongs to. Unless a stage binds a
// longer lived one, each pass is its own final exchange.
func (c *Context) Exchange() *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exchange == nil {
		c.exchange = c.conn.NewExchange()
		c.exchange.MarkFinal()
	}
	return c.exchange
}

// BindExchange attaches the pass to ex.
func (c *Context) BindExchange(ex *Exchange) {
	c.mu.Lock()
	prev := c.exchange
	c.exchange = ex
	c.mu.Unlock()
	if prev != nil && prev != ex {
		prev.Complete()
	}
}

func (c *Context) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == suspended
}

// Go suspends the pass and runs fn once the chain has unwound the suspend,
// on the connection's executor. fn owns the pass from then on and must
// call Resume (or hand the pass to another continuation via Go) when done.
// Called from inside a continuation, fn is scheduled straight away.
func (c *Context) Go(fn func(*Context)) Action {
	c.mu.Lock()
	if c.state == suspended {
		c.mu.Unlock()
		c.executor().Execute(func() { fn(c) })
		return SuspendAction
	}
	c.continuation = fn
	c.mu.Unlock()
	return SuspendAction
}

// Resume continues a suspended pass at the stage after the one that
// suspended it, on the calling goroutine. If the suspend is still
// unwinding, Resume waits for it.
func (c *Context) Resume() error {
	c.mu.Lock()
	parked := c.parked
	c.mu.Unlock()

	select {
	case <-parked:
	case <-c.done:
		return ErrNotSuspended
	}

	c.mu.Lock()
	if c.state != suspended {
		c.mu.Unlock()
		return ErrNotSuspended
	}
	c.state = running
	c.parked = make(chan struct{})
	next := c.index + 1
	c.mu.Unlock()

	_, err := c.chain.readFrom(c, next)
	return err
}

// Fail reports err through the chain's error notification as if the
// current stage had returned it. Continuations use it for errors that
// happen after the pass suspended.
func (c *Context) Fail(err error) {
	c.chain.fail(c, c.Index(), err)
}

// Write sends msg down the chain starting at the stage below the current
// one.
func (c *Context) Write(msg any) error {
	return c.WriteBelow(c.Index(), msg)
}

// WriteBelow sends msg down the chain starting at the stage below index.
func (c *Context) WriteBelow(index int, msg any) error {
	ex := c.Exchange()
	c.mu.Lock()
	w := &Context{
		chain:    c.chain,
		conn:     c.conn,
		message:  msg,
		exchange: ex,
		ambient:  c.ambient,
		state:    running,
		parked:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.mu.Unlock()
	return c.chain.writeFrom(w, index-1)
}

func (c *Context) suspend() {
	c.mu.Lock()
	c.state = suspended
	cont := c.continuation
	c.continuation = nil
	close(c.parked)
	c.mu.Unlock()
	if cont != nil {
		c.executor().Execute(func() { cont(c) })
	}
}

// finish ends the pass and completes its exchange when the exchange has
// received its last inbound message.
func (c *Context) finish() {
	c.mu.Lock()
	if c.state == finished {
		c.mu.Unlock()
		return
	}
	c.state = finished
	c.continuation = nil
	ex := c.exchange
	c.mu.Unlock()

	if ex != nil && ex.Final() {
		ex.Complete()
	}
	close(c.done)
}

func (c *Context) executor() Executor {
	if c.conn != nil && c.conn.executor != nil {
		return c.conn.executor
	}
	if c.chain != nil && c.chain.executor != nil {
		return c.chain.executor
	}
	return GoExecutor
}
