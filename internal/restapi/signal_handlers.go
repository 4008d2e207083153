package restapi

import (
	"encoding/json"
	"io"
	"net/http"

	"headway.transitboard.org/internal/board"
)

const maxSignalBodySize = 16 * 1024

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

// visibilityHandler receives show/hide transitions from the display. Hidden
// displays stop all polling; becoming visible refreshes immediately when the
// data has gone stale.
func (api *RestAPI) visibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeSignalBody(r, &req); err != nil {
		api.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Visible == nil {
		api.sendError(w, r, http.StatusBadRequest, "visible is required")
		return
	}

	api.Scheduler.SetVisible(*req.Visible)
	api.sendAccepted(w, r)
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Error     string   `json:"error"`
}

var knownLocationErrors = map[board.LocationErrorReason]bool{
	board.LocationDenied:      true,
	board.LocationUnavailable: true,
	board.LocationTimeout:     true,
}

// locationHandler receives position fixes, or geolocation failures, from the
// display. A fix may trigger rediscovery of nearby stops; a failure is
// surfaced on the board without disturbing whatever is already shown.
func (api *RestAPI) locationHandler(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeSignalBody(r, &req); err != nil {
		api.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if req.Error != "" {
		reason := board.LocationErrorReason(req.Error)
		if !knownLocationErrors[reason] {
			api.sendError(w, r, http.StatusBadRequest, "unknown location error")
			return
		}
		api.Scheduler.ReportLocationError(reason)
		api.sendAccepted(w, r)
		return
	}

	if req.Latitude == nil || req.Longitude == nil {
		api.sendError(w, r, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	if *req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180 {
		api.sendError(w, r, http.StatusBadRequest, "coordinates out of range")
		return
	}

	api.Scheduler.ReportLocation(*req.Latitude, *req.Longitude)
	api.sendAccepted(w, r)
}

// refreshHandler forces a fetch cycle regardless of timer state.
func (api *RestAPI) refreshHandler(w http.ResponseWriter, r *http.Request) {
	api.Scheduler.ForceRefresh()
	api.sendAccepted(w, r)
}

func decodeSignalBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxSignalBodySize))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
