package restapi

import (
	"net/http"

	"github.com/davecgh/go-spew/spew"
)

// debugStateHandler dumps the scheduler's committed state for inspection.
// The route is only registered outside production.
func (api *RestAPI) debugStateHandler(w http.ResponseWriter, r *http.Request) {
	state := struct {
		SchedulerState string
		LastRefresh    string
		Sections       any
	}{
		SchedulerState: api.Scheduler.State().String(),
		LastRefresh:    api.Scheduler.LastRefresh().String(),
		Sections:       api.Scheduler.Sections(),
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(spew.Sdump(state)))
}
