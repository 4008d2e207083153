// Package restapi exposes the departure board over HTTP: the rendered view,
// visibility and location signals from the display, stop search, and the
// operational endpoints (health, metrics, debug state).
package restapi

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"headway.transitboard.org/internal/app"
	"headway.transitboard.org/internal/appconf"
)

// RestAPI bundles the HTTP surface over the shared Application.
type RestAPI struct {
	*app.Application
}

// NewRestAPI creates the API over the given application.
func NewRestAPI(application *app.Application) *RestAPI {
	return &RestAPI{Application: application}
}

// Routes returns the fully wired handler: every endpoint behind request-ID,
// logging, and metrics middleware, with board responses gzip-compressed.
func (api *RestAPI) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/board", gzhttp.GzipHandler(http.HandlerFunc(api.boardHandler)))
	mux.HandleFunc("POST /api/visibility", api.visibilityHandler)
	mux.HandleFunc("POST /api/location", api.locationHandler)
	mux.HandleFunc("POST /api/refresh", api.refreshHandler)
	mux.Handle("GET /api/stops/search", gzhttp.GzipHandler(http.HandlerFunc(api.searchStopsHandler)))
	mux.HandleFunc("GET /healthz", api.healthHandler)

	if api.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(api.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	if api.Config.Env != appconf.Production {
		mux.HandleFunc("GET /debug/state", api.debugStateHandler)
	}

	var handler http.Handler = mux
	handler = MetricsHandler(api.Metrics)(handler)
	handler = NewRequestLoggingMiddleware(api.Logger)(handler)
	handler = RequestIDMiddleware(handler)

	return handler
}
