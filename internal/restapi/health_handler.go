package restapi

import (
	"encoding/json"
	"net/http"

	"headway.transitboard.org/internal/board"
	"headway.transitboard.org/internal/logging"
)

// HealthResponse represents the JSON response from the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// healthHandler verifies the scheduler is running and the snapshot database
// is reachable. It returns 503 Service Unavailable until both hold.
func (api *RestAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if api.Application == nil || api.Scheduler == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status: "unavailable",
			Detail: "scheduler not initialized",
		})
		return
	}

	if api.Scheduler.State() == board.SchedulerIdle {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status: "starting",
			Detail: "refresh scheduler not running",
		})
		return
	}

	if api.Snapshot != nil {
		if err := api.Snapshot.DB().PingContext(r.Context()); err != nil {
			logging.LogError(api.Logger, "snapshot DB ping failed", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(HealthResponse{
				Status: "unavailable",
				Detail: "snapshot database connection failed",
			})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status: "ok",
	})
}
