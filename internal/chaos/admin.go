package chaos

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ChaosRequest represents a request to configure chaos
type ChaosRequest struct {
	FailBackend bool   `json:"fail_backend"`
	SlowMs      int    `json:"slow_ms"`
	DropPercent int    `json:"drop_percent"`
	DurationSec int    `json:"duration_sec"` // 0 = manual recovery only
	Route       string `json:"route"`        // empty = all routes
}

// ChaosResponse represents the current chaos state
type ChaosResponse struct {
	Enabled     bool   `json:"enabled"`
	Config      Config `json:"config"`
	Stats       Stats  `json:"stats"`
	IsRecovered bool   `json:"is_recovered"`
}

// ConfigHandler handles POST /admin/chaos for setting chaos parameters
func (c *Controller) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ChaosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.DropPercent < 0 || req.DropPercent > 100 || req.SlowMs < 0 || req.DurationSec < 0 {
		http.Error(w, "Invalid chaos parameters", http.StatusBadRequest)
		return
	}

	cfg := Config{
		Enabled: true,
		Route:   req.Route,
	}
	if req.FailBackend {
		cfg.ErrorRate = 100
	}
	if req.SlowMs > 0 {
		cfg.Delay = time.Duration(req.SlowMs) * time.Millisecond
	}
	cfg.DropRate = req.DropPercent
	if req.DurationSec > 0 {
		cfg.ExpiresAt = c.clock.Now().Add(time.Duration(req.DurationSec) * time.Second)
	}

	c.Set(cfg)
	c.logger.Info("Chaos configuration applied",
		zap.Bool("fail_backend", req.FailBackend),
		zap.Int("slow_ms", req.SlowMs),
		zap.Int("drop_percent", req.DropPercent),
		zap.Int("duration_sec", req.DurationSec),
		zap.String("route", req.Route),
	)

	writeJSON(w, map[string]string{"message": "Chaos enabled"})
}

// RecoverHandler handles POST /admin/chaos/recover to disable all chaos
func (c *Controller) RecoverHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c.Clear()
	c.logger.Info("Chaos recovery initiated", zap.String("action", "RECOVERY"))

	writeJSON(w, map[string]string{"message": "Chaos disabled - system recovered"})
}

// StatusHandler handles GET /admin/chaos/status to inspect current state
func (c *Controller) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := c.Get()
	stats := c.GetStats()

	writeJSON(w, ChaosResponse{
		Enabled:     cfg.Enabled,
		Config:      cfg,
		Stats:       stats,
		IsRecovered: !cfg.Enabled && !stats.LastRecoveryTime.IsZero(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
