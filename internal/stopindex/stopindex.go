// Package stopindex keeps an in-memory spatial index of every stop the
// application has seen in search and discovery responses. It lets the
// scheduler resolve nearby candidates instantly, from local data, while an
// authoritative upstream discovery is still in flight.
package stopindex

import (
	"sort"
	"sync"

	"github.com/tidwall/rtree"

	"headway.transitboard.org/internal/board"
	"headway.transitboard.org/internal/utils"
)

// Stop is one indexed stop.
type Stop struct {
	Mode      board.Mode
	ID        string
	Name      string
	Latitude  float64
	Longitude float64
}

func (s Stop) key() string {
	return string(s.Mode) + "|" + s.ID
}

func (s Stop) point() [2]float64 {
	return [2]float64{s.Longitude, s.Latitude}
}

// Index is a thread-safe spatial index of stops.
type Index struct {
	mu    sync.RWMutex
	tree  rtree.RTreeG[Stop]
	known map[string]Stop
}

// New creates an empty index.
func New() *Index {
	return &Index{known: make(map[string]Stop)}
}

// Upsert adds stops to the index, replacing any previous entry for the same
// (mode, id) pair.
func (ix *Index) Upsert(stops ...Stop) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, stop := range stops {
		if stop.ID == "" {
			continue
		}
		if old, ok := ix.known[stop.key()]; ok {
			ix.tree.Delete(old.point(), old.point(), old)
		}
		ix.tree.Insert(stop.point(), stop.point(), stop)
		ix.known[stop.key()] = stop
	}
}

// Nearby returns every indexed stop within maxDistanceMeters of the given
// position, sorted by distance ascending.
func (ix *Index) Nearby(lat, lon, maxDistanceMeters float64) []board.NearbyStop {
	bounds := utils.CalculateBounds(lat, lon, maxDistanceMeters)

	ix.mu.RLock()
	var candidates []Stop
	ix.tree.Search(
		[2]float64{bounds.MinLon, bounds.MinLat},
		[2]float64{bounds.MaxLon, bounds.MaxLat},
		func(min, max [2]float64, stop Stop) bool {
			candidates = append(candidates, stop)
			return true
		},
	)
	ix.mu.RUnlock()

	out := make([]board.NearbyStop, 0, len(candidates))
	for _, stop := range candidates {
		distance := utils.Distance(lat, lon, stop.Latitude, stop.Longitude)
		if distance > maxDistanceMeters {
			// The bounding box overshoots at the corners.
			continue
		}
		out = append(out, board.NearbyStop{
			Mode:           stop.Mode,
			StopID:         stop.ID,
			Name:           stop.Name,
			Latitude:       stop.Latitude,
			Longitude:      stop.Longitude,
			DistanceMeters: distance,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceMeters == out[j].DistanceMeters {
			return out[i].StopID < out[j].StopID
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	return out
}

// Len returns the number of indexed stops.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.known)
}
