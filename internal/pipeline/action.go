package pipeline

// Kind is the control decision a stage hands back to the chain.
type Kind int

const (
	// Continue passes the current message to the next stage.
	Continue Kind = iota
	// Stop ends the current pass.
	Stop
	// Suspend ends the current pass without completing it; the pass is
	// picked up again by Context.Resume.
	Suspend
)

func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	case Suspend:
		return "suspend"
	default:
		return "unknown"
	}
}

// Action is returned by every stage handler.
type Action struct {
	Kind Kind
	// Remainder is kept on the connection and merged into the message the
	// same stage receives on the next read.
	Remainder any
}

var (
	ContinueAction = Action{Kind: Continue}
	StopAction     = Action{Kind: Stop}
	SuspendAction  = Action{Kind: Suspend}
)

// StopWith ends the pass and keeps remainder until more input arrives.
func StopWith(remainder any) Action {
	return Action{Kind: Stop, Remainder: remainder}
}

// ContinueWith passes the message on and keeps remainder as a complete
// leftover; the connection reports it through TakeReplay so the transport
// can feed it back without waiting for input.
func ContinueWith(remainder any) Action {
	return Action{Kind: Continue, Remainder: remainder}
}

func (a Action) IsSuspend() bool {
	return a.Kind == Suspend
}
