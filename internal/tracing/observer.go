package tracing

import "time"

// Observer is told about the life of server spans. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	SpanStarted()
	ResponseTagged(status int)
	ExchangeCompleted(elapsed time.Duration)
	EntryEvicted(reason string)
}

type nopObserver struct{}

func (nopObserver) SpanStarted()                    {}
func (nopObserver) ResponseTagged(int)              {}
func (nopObserver) ExchangeCompleted(time.Duration) {}
func (nopObserver) EntryEvicted(string)             {}
