package transit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"headway.transitboard.org/internal/board"
	"headway.transitboard.org/internal/logging"
	"headway.transitboard.org/internal/stopindex"
)

// Discovery finds stops near a position. Upstream lookups fan out one
// request per enabled mode; every result is recorded in the local spatial
// index so later lookups can be answered before the upstream responds.
type Discovery struct {
	client            *Client
	modes             []board.Mode
	maxDistanceMeters int
	index             *stopindex.Index
	logger            *slog.Logger
}

// NewDiscovery creates a Discovery over the given client. The index is
// optional; without it CachedNearby always returns nothing.
func NewDiscovery(client *Client, modes []board.Mode, maxDistanceMeters int, index *stopindex.Index, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		client:            client,
		modes:             modes,
		maxDistanceMeters: maxDistanceMeters,
		index:             index,
		logger:            logger.With(slog.String("component", "stop_discovery")),
	}
}

// DiscoverNearby queries the upstream for stops of every enabled mode around
// the given position. Per-mode failures are tolerated as long as at least one
// mode succeeds; only a total failure returns an error.
func (d *Discovery) DiscoverNearby(ctx context.Context, lat, lon float64) ([]board.NearbyStop, error) {
	type modeResult struct {
		stops []board.NearbyStop
		err   error
	}

	results := make([]modeResult, len(d.modes))
	var wg sync.WaitGroup
	for i, mode := range d.modes {
		wg.Add(1)
		go func(i int, mode board.Mode) {
			defer wg.Done()
			stops, err := d.client.FetchNearbyStops(ctx, mode, lat, lon, d.maxDistanceMeters)
			results[i] = modeResult{stops: stops, err: err}
		}(i, mode)
	}
	wg.Wait()

	var merged []board.NearbyStop
	var errs []error
	for i, res := range results {
		if res.err != nil {
			logging.LogError(d.logger, "nearby lookup failed for mode", res.err,
				slog.String("mode", string(d.modes[i])))
			errs = append(errs, res.err)
			continue
		}
		merged = append(merged, res.stops...)
	}

	if len(merged) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	d.record(merged)
	return merged, nil
}

// CachedNearby answers from the local spatial index, which accumulates every
// stop seen in earlier discovery and search responses.
func (d *Discovery) CachedNearby(lat, lon float64) []board.NearbyStop {
	if d.index == nil {
		return nil
	}
	return d.index.Nearby(lat, lon, float64(d.maxDistanceMeters))
}

// Search proxies free-text stop search, feeding results into the index.
func (d *Discovery) Search(ctx context.Context, mode board.Mode, query string) ([]board.NearbyStop, error) {
	stops, err := d.client.SearchStops(ctx, mode, query)
	if err != nil {
		return nil, err
	}
	d.record(stops)
	return stops, nil
}

func (d *Discovery) record(stops []board.NearbyStop) {
	if d.index == nil || len(stops) == 0 {
		return
	}
	indexed := make([]stopindex.Stop, 0, len(stops))
	for _, s := range stops {
		indexed = append(indexed, stopindex.Stop{
			Mode:      s.Mode,
			ID:        s.StopID,
			Name:      s.Name,
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
		})
	}
	d.index.Upsert(indexed...)
}
