package pipeline

import (
	"sync"
	"time"
)

// Exchange is one request/response round trip. It may span several read
// passes (a request body arriving in chunks) and a suspension. Completion
// listeners fire exactly once, when the exchange is completed by the chain,
// by its owner, or by the connection closing underneath it.
type Exchange struct {
	conn    *Connection
	started time.Time

	mu        sync.Mutex
	listeners []func()
	attrs     map[any]any
	final     bool
	completed bool
	done      chan struct{}
}

// NewExchange returns an exchange not bound to any connection.
func NewExchange() *Exchange {
	return &Exchange{
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

func (e *Exchange) Started() time.Time { return e.started }

// AddCompletionListener registers fn to run when the exchange completes.
// Registering on an exchange that already completed runs fn right away.
func (e *Exchange) AddCompletionListener(fn func()) {
	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		fn()
		return
	}
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Complete fires the completion listeners in registration order and then
// closes Done. Only the first call has any effect.
func (e *Exchange) Complete() {
	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return
	}
	e.completed = true
	listeners := e.listeners
	e.listeners = nil
	e.mu.Unlock()

	if e.conn != nil {
		e.conn.untrack(e)
	}
	for _, fn := range listeners {
		fn()
	}
	close(e.done)
}

func (e *Exchange) Done() <-chan struct{} { return e.done }

func (e *Exchange) Completed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// MarkFinal records that the last inbound message of the exchange has been
// delivered; the chain completes a final exchange when the pass carrying
// it ends without suspending.
func (e *Exchange) MarkFinal() {
	e.mu.Lock()
	e.final = true
	e.mu.Unlock()
}

func (e *Exchange) Final() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.final
}

func (e *Exchange) Attribute(key any) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attrs[key]
}

func (e *Exchange) SetAttribute(key, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attrs == nil {
		e.attrs = make(map[any]any)
	}
	e.attrs[key] = value
}
