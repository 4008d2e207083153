// Package transit is the HTTP client for the upstream transit data API:
// departures per stop, nearby-stop lookup, and free-text stop search.
package transit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"headway.transitboard.org/internal/board"
	"headway.transitboard.org/internal/logging"
)

const (
	userAgent = "headway/1.0"

	// maxBodySize caps departure and stop payloads. Real responses are a few
	// KB; anything near this limit is a broken upstream.
	maxBodySize = 5 * 1024 * 1024

	defaultRequestsPerSecond = 10
)

// Config configures a Client.
type Config struct {
	// BaseURL is the upstream API root, without a trailing slash.
	BaseURL string
	// APIKey, when set, is sent on every request.
	APIKey string
	// Timeout bounds each request end to end. Zero means 10s.
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing requests across all concurrent
	// fetches. Zero means 10.
	RequestsPerSecond int
	Logger            *slog.Logger
}

// Client talks to the upstream transit API. It is safe for concurrent use;
// the fetch orchestrator issues one request per tuple in parallel and the
// built-in limiter smooths those bursts.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a Client for the given upstream.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: newTransitHTTPClient(timeout),
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		logger:     logger.With(slog.String("component", "transit_client")),
	}
}

// newTransitHTTPClient builds the dedicated HTTP client for upstream calls,
// configured with explicit timeouts and transport limits to avoid the
// pitfalls of http.DefaultClient (no timeout, shared global state). The
// transport is cloned from http.DefaultTransport to preserve important
// defaults (ProxyFromEnvironment, DialContext, HTTP/2, keepalives).
func newTransitHTTPClient(timeout time.Duration) *http.Client {
	var transport *http.Transport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConns = 20
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.ExpectContinueTimeout = 1 * time.Second

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

type departurePayload struct {
	ID          string `json:"id"`
	Route       string `json:"route"`
	Destination string `json:"destination"`
	Direction   struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"direction"`
	Scheduled time.Time  `json:"scheduled"`
	Estimated *time.Time `json:"estimated"`
	Platform  string     `json:"platform"`
	Realtime  bool       `json:"realtime"`
	Cancelled bool       `json:"cancelled"`
}

type departuresResponse struct {
	StopName   string             `json:"stopName"`
	Departures []departurePayload `json:"departures"`
}

type stopPayload struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Mode           string  `json:"mode"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	DistanceMeters float64 `json:"distanceMeters"`
}

type stopsResponse struct {
	Stops []stopPayload `json:"stops"`
}

// FetchDepartures returns upcoming departures for one (mode, stop) pair.
// limit and maxMinutes are passed to the upstream so it sizes the response;
// the caller inflates limit to survive client-side filtering.
func (c *Client) FetchDepartures(ctx context.Context, mode board.Mode, stopID string, limit, maxMinutes int) (board.StopDepartures, error) {
	query := url.Values{}
	query.Set("mode", string(mode))
	query.Set("limit", strconv.Itoa(limit))
	query.Set("duration", strconv.Itoa(maxMinutes))
	endpoint := fmt.Sprintf("%s/v1/stops/%s/departures?%s", c.baseURL, url.PathEscape(stopID), query.Encode())

	var payload departuresResponse
	if err := c.getJSON(ctx, "departures", endpoint, &payload); err != nil {
		return board.StopDepartures{}, err
	}

	departures := make([]board.Departure, 0, len(payload.Departures))
	for _, d := range payload.Departures {
		departures = append(departures, board.Departure{
			ID:          d.ID,
			RouteLabel:  d.Route,
			Destination: d.Destination,
			Direction:   board.Direction{ID: d.Direction.ID, Name: d.Direction.Name},
			Scheduled:   d.Scheduled,
			Estimated:   d.Estimated,
			Platform:    d.Platform,
			Mode:        mode,
			IsRealTime:  d.Realtime,
			Cancelled:   d.Cancelled,
		})
	}
	return board.StopDepartures{StopName: payload.StopName, Departures: departures}, nil
}

// FetchNearbyStops returns stops of one mode within maxDistanceMeters of
// the given position, ordered by distance by the upstream.
func (c *Client) FetchNearbyStops(ctx context.Context, mode board.Mode, lat, lon float64, maxDistanceMeters int) ([]board.NearbyStop, error) {
	query := url.Values{}
	query.Set("mode", string(mode))
	query.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	query.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	query.Set("distance", strconv.Itoa(maxDistanceMeters))
	endpoint := fmt.Sprintf("%s/v1/stops/nearby?%s", c.baseURL, query.Encode())

	var payload stopsResponse
	if err := c.getJSON(ctx, "nearby", endpoint, &payload); err != nil {
		return nil, err
	}
	return toNearbyStops(payload.Stops, mode), nil
}

// SearchStops returns stops matching a free-text query, optionally narrowed
// to one mode.
func (c *Client) SearchStops(ctx context.Context, mode board.Mode, text string) ([]board.NearbyStop, error) {
	query := url.Values{}
	query.Set("query", text)
	if mode != "" {
		query.Set("mode", string(mode))
	}
	endpoint := fmt.Sprintf("%s/v1/stops/search?%s", c.baseURL, query.Encode())

	var payload stopsResponse
	if err := c.getJSON(ctx, "search", endpoint, &payload); err != nil {
		return nil, err
	}
	return toNearbyStops(payload.Stops, mode), nil
}

func toNearbyStops(stops []stopPayload, fallbackMode board.Mode) []board.NearbyStop {
	out := make([]board.NearbyStop, 0, len(stops))
	for _, s := range stops {
		mode := board.Mode(s.Mode)
		if mode == "" {
			mode = fallbackMode
		}
		out = append(out, board.NearbyStop{
			Mode:           mode,
			StopID:         s.ID,
			Name:           s.Name,
			Latitude:       s.Latitude,
			Longitude:      s.Longitude,
			DistanceMeters: s.DistanceMeters,
		})
	}
	return out
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, target any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return netErr(op, endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return netErr(op, endpoint, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return netErr(op, endpoint, err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, c.logger, "transit response body")

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return httpErr(op, endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return netErr(op, endpoint, err)
	}
	if int64(len(body)) > maxBodySize {
		return netErr(op, endpoint, fmt.Errorf("response body exceeds %d bytes", maxBodySize))
	}

	if err := json.Unmarshal(body, target); err != nil {
		return netErr(op, endpoint, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}
