package restapi

import (
	"encoding/json"
	"net/http"

	"headway.transitboard.org/internal/logging"
)

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

// acceptedResponse acknowledges a signal that has no payload to return.
type acceptedResponse struct {
	Status string `json:"status"`
}

func (api *RestAPI) sendJSON(w http.ResponseWriter, r *http.Request, payload any) {
	setJSONResponseType(&w)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		api.serverErrorResponse(w, r, err)
	}
}

func (api *RestAPI) sendAccepted(w http.ResponseWriter, r *http.Request) {
	setJSONResponseType(&w)
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(acceptedResponse{Status: "accepted"}); err != nil {
		api.serverErrorResponse(w, r, err)
	}
}

func (api *RestAPI) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	setJSONResponseType(&w)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(errorResponse{Code: code, Text: message}); err != nil {
		api.serverErrorResponse(w, r, err)
	}
}

func (api *RestAPI) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	logging.LogError(api.Logger, "internal server error", err,
		"method", r.Method, "path", r.URL.Path)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func setJSONResponseType(w *http.ResponseWriter) {
	(*w).Header().Set("Content-Type", "application/json")
}
