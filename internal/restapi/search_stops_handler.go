package restapi

import (
	"net/http"
	"strings"

	"headway.transitboard.org/internal/board"
)

type searchStopsResponse struct {
	Query string             `json:"query"`
	Stops []board.NearbyStop `json:"stops"`
}

// searchStopsHandler proxies free-text stop search to the upstream. Results
// feed the local stop index, so searched stops become available for cached
// nearby resolution.
func (api *RestAPI) searchStopsHandler(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		api.sendError(w, r, http.StatusBadRequest, "query is required")
		return
	}

	mode := board.Mode(r.URL.Query().Get("mode"))
	if mode != "" && !mode.IsValid() {
		api.sendError(w, r, http.StatusBadRequest, "unknown mode")
		return
	}

	stops, err := api.Discovery.Search(r.Context(), mode, query)
	if err != nil {
		api.sendError(w, r, http.StatusBadGateway, "stop search failed")
		return
	}
	if stops == nil {
		stops = []board.NearbyStop{}
	}

	api.sendJSON(w, r, searchStopsResponse{Query: query, Stops: stops})
}
