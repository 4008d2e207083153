package restapi

import (
	"net/http"
)

// boardHandler returns the rendered board view. Every call is a render tick:
// the fade tracker advances against the current clock, so polling this
// endpoint is what ages out just-departed services.
func (api *RestAPI) boardHandler(w http.ResponseWriter, r *http.Request) {
	view := api.Scheduler.View()
	api.sendJSON(w, r, view)
}
