package pipeline

// Executor runs the continuation of a suspended pass.
type Executor interface {
	Execute(fn func())
}

type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// GoExecutor starts a goroutine per continuation.
var GoExecutor Executor = ExecutorFunc(func(fn func()) { go fn() })
