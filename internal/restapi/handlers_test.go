package restapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"headway.transitboard.org/internal/app"
	"headway.transitboard.org/internal/appconf"
	"headway.transitboard.org/internal/board"
	"headway.transitboard.org/internal/clock"
	"headway.transitboard.org/internal/metrics"
	"headway.transitboard.org/internal/stopindex"
	"headway.transitboard.org/internal/transit"
)

var apiBase = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedSource serves canned departures and counts fetches.
type fixedSource struct {
	mu      sync.Mutex
	results map[string]board.StopDepartures
	calls   int
}

func (f *fixedSource) FetchDepartures(ctx context.Context, mode board.Mode, stopID string, limit, maxMinutes int) (board.StopDepartures, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.results[string(mode)+"|"+stopID], nil
}

func (f *fixedSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testAPI struct {
	handler http.Handler
	source  *fixedSource
	clock   *clock.MockClock
	api     *RestAPI
}

func newTestAPI(t *testing.T, start bool) *testAPI {
	t.Helper()

	mockClock := clock.NewMockClock(apiBase)
	source := &fixedSource{results: map[string]board.StopDepartures{
		"train|flinders": {
			StopName: "Flinders Street",
			Departures: []board.Departure{{
				ID:          "run-1",
				RouteLabel:  "Sandringham",
				Destination: "Sandringham",
				Direction:   board.Direction{ID: "down", Name: "Down"},
				Scheduled:   apiBase.Add(5 * time.Minute),
				Mode:        board.ModeTrain,
			}},
		},
	}}

	m := metrics.New()
	orch := board.NewOrchestrator(source, board.RequestSizing{DisplayCount: 3}, nil, m)
	scheduler := board.NewScheduler(board.SchedulerConfig{
		RefreshInterval:     time.Hour,
		MaxLookaheadMinutes: 90,
		Configured:          []board.FetchTuple{{Mode: board.ModeTrain, StopID: "flinders"}},
		View:                board.ViewConfig{DisplayCount: 3, FadeWindow: 30 * time.Second, DelayDeadBandMinutes: 2},
	}, mockClock, orch, nil, m)

	searchUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("query") == "boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"stops": [{"id": "rich", "name": "Richmond", "mode": "train", "latitude": -37.8239, "longitude": 144.9906}]}`))
	}))
	t.Cleanup(searchUpstream.Close)

	client := transit.NewClient(transit.Config{BaseURL: searchUpstream.URL, Timeout: 2 * time.Second, RequestsPerSecond: 1000})
	index := stopindex.New()
	discovery := transit.NewDiscovery(client, []board.Mode{board.ModeTrain}, 800, index, nil)

	application := &app.Application{
		Config:    appconf.Config{Env: appconf.Test},
		Clock:     mockClock,
		Metrics:   m,
		Scheduler: scheduler,
		Transit:   client,
		Discovery: discovery,
		StopIndex: index,
	}
	application.Logger = discardLogger()

	api := NewRestAPI(application)
	if start {
		scheduler.SetVisible(true)
		scheduler.Start()
		t.Cleanup(scheduler.Stop)
		require.Eventually(t, func() bool {
			return source.callCount() >= 1
		}, time.Second, 5*time.Millisecond, "initial fetch cycle should run")
	}

	return &testAPI{handler: api.Routes(), source: source, clock: mockClock, api: api}
}

func (ta *testAPI) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)
	return w
}

func TestBoardHandler(t *testing.T) {
	ta := newTestAPI(t, true)

	w := ta.do(t, http.MethodGet, "/api/board", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var view board.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Sections, 1)
	assert.Equal(t, "Flinders Street", view.Sections[0].StopName)
	assert.True(t, view.GeneratedAt.Equal(apiBase))
}

func TestBoardHandlerRejectsPost(t *testing.T) {
	ta := newTestAPI(t, true)
	w := ta.do(t, http.MethodPost, "/api/board", "{}")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestVisibilityHandler(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"show", `{"visible": true}`, http.StatusAccepted},
		{"hide", `{"visible": false}`, http.StatusAccepted},
		{"missing field", `{}`, http.StatusBadRequest},
		{"unknown field", `{"visible": true, "extra": 1}`, http.StatusBadRequest},
		{"malformed", `{"visible":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := newTestAPI(t, true)
			w := ta.do(t, http.MethodPost, "/api/visibility", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestLocationHandler(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"valid fix", `{"latitude": -37.81, "longitude": 144.96}`, http.StatusAccepted},
		{"missing longitude", `{"latitude": -37.81}`, http.StatusBadRequest},
		{"latitude out of range", `{"latitude": 91, "longitude": 0}`, http.StatusBadRequest},
		{"longitude out of range", `{"latitude": 0, "longitude": 181}`, http.StatusBadRequest},
		{"denied error", `{"error": "location-denied"}`, http.StatusAccepted},
		{"timeout error", `{"error": "location-timeout"}`, http.StatusAccepted},
		{"unknown error", `{"error": "location-eaten-by-dog"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := newTestAPI(t, true)
			w := ta.do(t, http.MethodPost, "/api/location", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestLocationErrorShowsOnBoard(t *testing.T) {
	ta := newTestAPI(t, true)

	w := ta.do(t, http.MethodPost, "/api/location", `{"error": "location-denied"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		resp := ta.do(t, http.MethodGet, "/api/board", "")
		var view board.View
		if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
			return false
		}
		return view.LocationError == board.LocationDenied
	}, time.Second, 5*time.Millisecond)
}

func TestRefreshHandlerForcesCycle(t *testing.T) {
	ta := newTestAPI(t, true)
	baseline := ta.source.callCount()

	w := ta.do(t, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		return ta.source.callCount() > baseline
	}, time.Second, 5*time.Millisecond)
}

func TestSearchStopsHandler(t *testing.T) {
	ta := newTestAPI(t, true)

	w := ta.do(t, http.MethodGet, "/api/stops/search?query=richmond", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp searchStopsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "richmond", resp.Query)
	require.Len(t, resp.Stops, 1)
	assert.Equal(t, "rich", resp.Stops[0].StopID)
}

func TestSearchStopsHandlerValidation(t *testing.T) {
	ta := newTestAPI(t, true)

	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodGet, "/api/stops/search", "").Code)
	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodGet, "/api/stops/search?query=+", "").Code)
	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodGet, "/api/stops/search?query=x&mode=zeppelin", "").Code)
}

func TestSearchStopsHandlerUpstreamFailure(t *testing.T) {
	ta := newTestAPI(t, true)
	w := ta.do(t, http.MethodGet, "/api/stops/search?query=boom", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHealthHandler(t *testing.T) {
	t.Run("running scheduler is healthy", func(t *testing.T) {
		ta := newTestAPI(t, true)
		w := ta.do(t, http.MethodGet, "/healthz", "")

		require.Equal(t, http.StatusOK, w.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("stopped scheduler reports starting", func(t *testing.T) {
		ta := newTestAPI(t, false)
		w := ta.do(t, http.MethodGet, "/healthz", "")

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "starting", resp.Status)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ta := newTestAPI(t, true)
	w := ta.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "headway_")
}

func TestDebugStateHandler(t *testing.T) {
	t.Run("available outside production", func(t *testing.T) {
		ta := newTestAPI(t, true)
		w := ta.do(t, http.MethodGet, "/debug/state", "")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "SchedulerState")
	})

	t.Run("hidden in production", func(t *testing.T) {
		ta := newTestAPI(t, true)
		ta.api.Config.Env = appconf.Production
		handler := ta.api.Routes()

		req := httptest.NewRequest(http.MethodGet, "/debug/state", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRequestIDHeader(t *testing.T) {
	ta := newTestAPI(t, true)

	t.Run("generated when absent", func(t *testing.T) {
		w := ta.do(t, http.MethodGet, "/healthz", "")
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("honored when well formed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", "trace-123")
		w := httptest.NewRecorder()
		ta.handler.ServeHTTP(w, req)
		assert.Equal(t, "trace-123", w.Header().Get("X-Request-ID"))
	})

	t.Run("replaced when malformed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", "bad id with spaces")
		w := httptest.NewRecorder()
		ta.handler.ServeHTTP(w, req)
		assert.NotEqual(t, "bad id with spaces", w.Header().Get("X-Request-ID"))
	})
}
