package pipeline

import (
	"fmt"

	"go.uber.org/zap"
)

// Chain is an ordered, immutable list of stages. Reads travel from the
// first stage to the last, writes travel back from the writer towards the
// first stage.
type Chain struct {
	stages   []Stage
	logger   *zap.Logger
	executor Executor
}

type ChainOption func(*Chain)

func WithLogger(l *zap.Logger) ChainOption {
	return func(c *Chain) { c.logger = l }
}

// WithChainExecutor sets the executor for continuations on connections
// that do not bring their own.
func WithChainExecutor(e Executor) ChainOption {
	return func(c *Chain) { c.executor = e }
}

// New builds a chain over a copy of stages.
func New(stages []Stage, opts ...ChainOption) *Chain {
	c := &Chain{
		stages: append([]Stage(nil), stages...),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, s := range c.stages {
		Added(s, c)
	}
	for _, s := range c.stages {
		ChainChanged(s, c)
	}
	return c
}

// Stages returns a copy of the chain's stages.
func (c *Chain) Stages() []Stage {
	return append([]Stage(nil), c.stages...)
}

func (c *Chain) Len() int { return len(c.stages) }

// IndexOf returns the position of s in the chain, or -1.
func (c *Chain) IndexOf(s Stage) int {
	for i, st := range c.stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Release tells every stage it has been taken out of the chain.
func (c *Chain) Release() {
	for _, s := range c.stages {
		Removed(s, c)
	}
}

// Read runs a read pass for msg. The returned context reports whether the
// pass suspended; Done is closed once the pass, resumed or not, ends.
func (c *Chain) Read(conn *Connection, msg any) (*Context, error) {
	ctx := newContext(c, conn, msg)
	_, err := c.readFrom(ctx, 0)
	return ctx, err
}

func (c *Chain) readFrom(ctx *Context, start int) (Action, error) {
	for i := start; i < len(c.stages); i++ {
		ctx.setIndex(i)
		c.mergeRemainder(ctx, i)

		stage := c.stages[i]
		act, err := c.invoke(stage, i, func() (Action, error) { return Read(stage, ctx) })
		if err != nil {
			c.fail(ctx, i, err)
			ctx.finish()
			return StopAction, err
		}
		if act.Remainder != nil {
			ctx.conn.setRemainder(i, act.Remainder, act.Kind == Continue)
		}

		switch act.Kind {
		case Continue:
			continue
		case Suspend:
			ctx.suspend()
			return act, nil
		default:
			ctx.finish()
			return act, nil
		}
	}
	ctx.finish()
	return StopAction, nil
}

func (c *Chain) writeFrom(ctx *Context, start int) error {
	if start >= len(c.stages) {
		start = len(c.stages) - 1
	}
	for i := start; i >= 0; i-- {
		ctx.setIndex(i)
		stage := c.stages[i]
		act, err := c.invoke(stage, i, func() (Action, error) { return Write(stage, ctx) })
		if err != nil {
			c.fail(ctx, i, err)
			return err
		}
		if act.Kind != Continue {
			return nil
		}
	}
	return nil
}

// Connect, Accept and Disconnect fan a connection event out through the
// chain in read order.

func (c *Chain) Connect(conn *Connection) error {
	return c.fire(conn, Connect)
}

func (c *Chain) Accept(conn *Connection) error {
	return c.fire(conn, Accept)
}

// Disconnect notifies the stages that conn is going away and closes it,
// completing any exchange still open on it.
func (c *Chain) Disconnect(conn *Connection) error {
	err := c.fire(conn, Close)
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Notify delivers a custom event through the chain.
func (c *Chain) Notify(conn *Connection, ev Event) error {
	return c.fire(conn, func(s Stage, ctx *Context) (Action, error) {
		return Notify(s, ctx, ev)
	})
}

func (c *Chain) fire(conn *Connection, handle func(Stage, *Context) (Action, error)) error {
	ctx := newContext(c, conn, nil)
	defer ctx.finish()
	for i, stage := range c.stages {
		ctx.setIndex(i)
		act, err := c.invoke(stage, i, func() (Action, error) { return handle(stage, ctx) })
		if err != nil {
			c.fail(ctx, i, err)
			return err
		}
		if act.Kind != Continue {
			return nil
		}
	}
	return nil
}

// fail notifies the failing stage and every stage below it.
func (c *Chain) fail(ctx *Context, index int, err error) {
	c.logger.Debug("pipeline stage failed",
		zap.Int("stage", index),
		zap.String("name", Name(c.stages[index])),
		zap.Error(err),
	)
	for i := index; i >= 0; i-- {
		stage := c.stages[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("error handler panicked",
						zap.String("name", Name(stage)),
						zap.Any("panic", r),
					)
				}
			}()
			ExceptionOccurred(stage, ctx, err)
		}()
	}
}

func (c *Chain) invoke(stage Stage, index int, fn func() (Action, error)) (act Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			act = StopAction
			err = fmt.Errorf("pipeline: stage %d (%s) panicked: %v", index, Name(stage), r)
		}
	}()
	return fn()
}

// Appender merges a kept remainder with the next message.
type Appender interface {
	Append(next any) any
}

func (c *Chain) mergeRemainder(ctx *Context, index int) {
	rem, ok := ctx.conn.takeRemainder(index)
	if !ok {
		return
	}
	msg := ctx.Message()
	switch r := rem.(type) {
	case Appender:
		ctx.SetMessage(r.Append(msg))
	case []byte:
		next, _ := msg.([]byte)
		merged := make([]byte, 0, len(r)+len(next))
		merged = append(merged, r...)
		ctx.SetMessage(append(merged, next...))
	default:
		if msg == nil {
			ctx.SetMessage(rem)
		}
	}
}
