package chaos

import "time"

type Config struct {
	Enabled   bool          `json:"enabled"`
	Route     string        `json:"route,omitempty"` // empty = all routes
	Delay     time.Duration `json:"delay"`           // artificial delay
	ErrorRate int           `json:"error_rate"`      // % chance to return 503
	DropRate  int           `json:"drop_rate"`       // % chance to drop request
	ExpiresAt time.Time     `json:"expires_at"`      // auto recovery time
}

// Stats tracks chaos injection metrics
type Stats struct {
	TotalRequests     int64     `json:"total_requests"`
	DroppedRequests   int64     `json:"dropped_requests"`
	FailedRequests    int64     `json:"failed_requests"`
	DelayedRequests   int64     `json:"delayed_requests"`
	LastRecoveryTime  time.Time `json:"last_recovery_time"`
	LastInjectionTime time.Time `json:"last_injection_time"`
}

// Injection kinds, as reported to OnInject.
const (
	KindDelay = "delay"
	KindFail  = "fail"
	KindDrop  = "drop"
)
