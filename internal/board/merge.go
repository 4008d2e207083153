package board

// MergeSections combines the previously committed sections with the outcomes
// of the latest fetch batch and returns the new committed sections, one per
// active tuple in active order.
//
// Per tuple: a successful fetch with at least one departure replaces the
// previous section wholesale. A failed or empty fetch retains the previous
// section when it still holds usable departures, because departures are
// re-filtered by time-state on every render tick, a page fetched minutes ago
// is strictly better than an error banner. Only when no usable previous data
// exists does the fresh, possibly empty or errored, result win.
//
// The active set governs membership: outcomes for tuples that are no longer
// active are discarded, and an active tuple the batch did not cover carries
// its previous section over unchanged.
//
// The function only ever reads prev; merging is therefore safe against
// concurrent cycles as long as each batch is merged against the last
// committed state.
func MergeSections(active []FetchTuple, prev []ModeSection, batch []FetchOutcome) []ModeSection {
	prevByKey := make(map[string]ModeSection, len(prev))
	for _, section := range prev {
		prevByKey[section.Key()] = section
	}
	outcomeByKey := make(map[string]FetchOutcome, len(batch))
	for _, outcome := range batch {
		outcomeByKey[outcome.Tuple.Key()] = outcome
	}

	merged := make([]ModeSection, 0, len(active))
	for _, tuple := range active {
		if outcome, ok := outcomeByKey[tuple.Key()]; ok {
			merged = append(merged, mergeOne(prevByKey, outcome))
		} else if previous, ok := prevByKey[tuple.Key()]; ok {
			merged = append(merged, previous)
		}
	}
	return merged
}

func mergeOne(prevByKey map[string]ModeSection, outcome FetchOutcome) ModeSection {
	tuple := outcome.Tuple

	if outcome.OK() && len(outcome.Departures) > 0 {
		return ModeSection{
			Mode:             tuple.Mode,
			StopID:           tuple.StopID,
			StopName:         outcome.StopName,
			Departures:       outcome.Departures,
			IsLoading:        false,
			Err:              ReasonNone,
			GroupByDirection: tuple.DirectionFilter == "",
			DirectionFilter:  tuple.DirectionFilter,
		}
	}

	if previous, ok := prevByKey[tuple.Key()]; ok && previous.HasUsableDepartures() {
		retained := previous
		retained.IsLoading = false
		// Cosmetic refresh only; the stale departures stay untouched.
		if outcome.StopName != "" {
			retained.StopName = outcome.StopName
		}
		retained.DirectionFilter = tuple.DirectionFilter
		retained.GroupByDirection = tuple.DirectionFilter == ""
		return retained
	}

	return ModeSection{
		Mode:             tuple.Mode,
		StopID:           tuple.StopID,
		StopName:         outcome.StopName,
		Departures:       outcome.Departures,
		IsLoading:        false,
		Err:              outcome.Reason,
		GroupByDirection: tuple.DirectionFilter == "",
		DirectionFilter:  tuple.DirectionFilter,
	}
}
