package board

import "sort"

// ResolverInput is everything the stop-set resolver needs: the configured
// entries, or, when discovery is enabled, the nearby-stop candidates.
type ResolverInput struct {
	// Configured entries, in configuration order.
	Configured []FetchTuple
	// Discovery switches the resolver to the nearby-stop candidates.
	Discovery bool
	// Nearby candidates from the last discovery run.
	Nearby []NearbyStop
	// StopsPerMode caps how many discovered stops are kept per mode.
	// Zero or negative means one.
	StopsPerMode int
}

// Resolve produces the ordered list of active fetch tuples. It is a pure,
// deterministic function of its input: configuration order for configured
// entries, distance-ascending for discovered stops. Duplicate (mode, stop)
// pairs are dropped so at most one section exists per pair.
func Resolve(in ResolverInput) []FetchTuple {
	if in.Discovery {
		return resolveNearby(in.Nearby, in.StopsPerMode)
	}
	return dedupeTuples(in.Configured)
}

func dedupeTuples(tuples []FetchTuple) []FetchTuple {
	seen := make(map[string]struct{}, len(tuples))
	out := make([]FetchTuple, 0, len(tuples))
	for _, t := range tuples {
		if _, dup := seen[t.Key()]; dup {
			continue
		}
		seen[t.Key()] = struct{}{}
		out = append(out, t)
	}
	return out
}

func resolveNearby(nearby []NearbyStop, perMode int) []FetchTuple {
	if perMode <= 0 {
		perMode = 1
	}

	sorted := make([]NearbyStop, len(nearby))
	copy(sorted, nearby)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DistanceMeters == sorted[j].DistanceMeters {
			return sorted[i].StopID < sorted[j].StopID
		}
		return sorted[i].DistanceMeters < sorted[j].DistanceMeters
	})

	perModeCount := make(map[Mode]int)
	seen := make(map[string]struct{}, len(sorted))
	out := make([]FetchTuple, 0, len(sorted))

	for _, stop := range sorted {
		tuple := FetchTuple{Mode: stop.Mode, StopID: stop.StopID}
		if _, dup := seen[tuple.Key()]; dup {
			continue
		}
		if perModeCount[stop.Mode] >= perMode {
			continue
		}
		seen[tuple.Key()] = struct{}{}
		perModeCount[stop.Mode]++
		out = append(out, tuple)
	}
	return out
}
