package pipeline

import "fmt"

// Stage is one processing unit of a chain. A stage takes part in an event
// by implementing the matching handler interface; events it does not
// handle pass through as Continue.
type Stage any

type ReadHandler interface {
	HandleRead(ctx *Context) (Action, error)
}

type WriteHandler interface {
	HandleWrite(ctx *Context) (Action, error)
}

type ConnectHandler interface {
	HandleConnect(ctx *Context) (Action, error)
}

type AcceptHandler interface {
	HandleAccept(ctx *Context) (Action, error)
}

type CloseHandler interface {
	HandleClose(ctx *Context) (Action, error)
}

// Event is a custom notification travelling through the chain.
type Event interface {
	EventType() string
}

type EventHandler interface {
	HandleEvent(ctx *Context, ev Event) (Action, error)
}

// ErrorHandler is notified when a stage at or above it in the chain
// fails.
type ErrorHandler interface {
	ExceptionOccurred(ctx *Context, err error)
}

// TopologyObserver hears about the chains a stage joins and leaves.
type TopologyObserver interface {
	OnAdded(c *Chain)
	OnRemoved(c *Chain)
	OnChainChanged(c *Chain)
}

// The helpers below dispatch one event to a stage, treating a missing
// handler as Continue. Wrapping stages use them to forward to the stage
// they wrap.

func Read(s Stage, ctx *Context) (Action, error) {
	if h, ok := s.(ReadHandler); ok {
		return h.HandleRead(ctx)
	}
	return ContinueAction, nil
}

func Write(s Stage, ctx *Context) (Action, error) {
	if h, ok := s.(WriteHandler); ok {
		return h.HandleWrite(ctx)
	}
	return ContinueAction, nil
}

func Connect(s Stage, ctx *Context) (Action, error) {
	if h, ok := s.(ConnectHandler); ok {
		return h.HandleConnect(ctx)
	}
	return ContinueAction, nil
}

func Accept(s Stage, ctx *Context) (Action, error) {
	if h, ok := s.(AcceptHandler); ok {
		return h.HandleAccept(ctx)
	}
	return ContinueAction, nil
}

func Close(s Stage, ctx *Context) (Action, error) {
	if h, ok := s.(CloseHandler); ok {
		return h.HandleClose(ctx)
	}
	return ContinueAction, nil
}

func Notify(s Stage, ctx *Context, ev Event) (Action, error) {
	if h, ok := s.(EventHandler); ok {
		return h.HandleEvent(ctx, ev)
	}
	return ContinueAction, nil
}

func ExceptionOccurred(s Stage, ctx *Context, err error) {
	if h, ok := s.(ErrorHandler); ok {
		h.ExceptionOccurred(ctx, err)
	}
}

func Added(s Stage, c *Chain) {
	if o, ok := s.(TopologyObserver); ok {
		o.OnAdded(c)
	}
}

func Removed(s Stage, c *Chain) {
	if o, ok := s.(TopologyObserver); ok {
		o.OnRemoved(c)
	}
}

func ChainChanged(s Stage, c *Chain) {
	if o, ok := s.(TopologyObserver); ok {
		o.OnChainChanged(c)
	}
}

// Name reports a printable name for a stage.
func Name(s Stage) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// PassThrough handles nothing; every event continues.
type PassThrough struct{}

func (PassThrough) Name() string { return "pass-through" }
