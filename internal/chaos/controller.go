package chaos

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Controller holds the fault injection settings of a gateway and counts
// what it injected.
type Controller struct {
	mu     sync.RWMutex
	config Config
	stats  Stats

	clock    clockz.Clock
	roll     func(n int) int
	logger   *zap.Logger
	onInject func(kind string)
}

type Option func(*Controller)

func WithClock(c clockz.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithRoll replaces the random source; roll(100) must return 0..99.
func WithRoll(roll func(n int) int) Option {
	return func(ctl *Controller) { ctl.roll = roll }
}

func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

func OnInject(fn func(kind string)) Option {
	return func(ctl *Controller) { ctl.onInject = fn }
}

func NewController(opts ...Option) *Controller {
	ctl := &Controller{
		clock:  clockz.RealClock,
		roll:   rand.IntN,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

func (c *Controller) Set(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
	if cfg.Enabled {
		c.stats.LastInjectionTime = c.clock.Now()
	}
}

func (c *Controller) Get() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = Config{}
	c.stats.LastRecoveryTime = c.clock.Now()
}

func (c *Controller) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Controller) recordRequest() {
	c.mu.Lock()
	c.stats.TotalRequests++
	c.mu.Unlock()
}

func (c *Controller) record(kind string) {
	c.mu.Lock()
	switch kind {
	case KindDelay:
		c.stats.DelayedRequests++
	case KindFail:
		c.stats.FailedRequests++
	case KindDrop:
		c.stats.DroppedRequests++
	}
	c.mu.Unlock()
	if c.onInject != nil {
		c.onInject(kind)
	}
}

// recoverExpired clears a configuration whose time is up.
func (c *Controller) recoverExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.config.Enabled && !c.config.ExpiresAt.IsZero() && !now.Before(c.config.ExpiresAt) {
		c.config = Config{}
		c.stats.LastRecoveryTime = now
		return true
	}
	return false
}

// AutoRecover checks for expired configurations every interval until ctx
// is done.
func (c *Controller) AutoRecover(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			if c.recoverExpired() {
				c.logger.Info("chaos recovered automatically")
			}
		}
	}
}
