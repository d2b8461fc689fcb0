package analytics

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler serves GET /admin/analytics?tenant=<id>.
func Handler(a *Analytics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant")
		if tenantID == "" {
			http.Error(w, "tenant query missing", http.StatusBadRequest)
			return
		}

		data, err := a.FetchTenantAnalytics(r.Context(), tenantID)
		if err != nil {
			logger.Error("fetching analytics failed", zap.String("tenant", tenantID), zap.Error(err))
			http.Error(w, "analytics unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(data)
	}
}
