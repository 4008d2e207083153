package board

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"headway.transitboard.org/internal/logging"
	"headway.transitboard.org/internal/metrics"
)

// DepartureSource is the upstream transit-data collaborator. Implementations
// must be safe for concurrent use; the orchestrator calls it from one
// goroutine per tuple.
type DepartureSource interface {
	FetchDepartures(ctx context.Context, mode Mode, stopID string, limit, maxMinutes int) (StopDepartures, error)
}

// RequestSizing controls how many departures each tuple requests upstream.
//
// The upstream feed is not direction-aware at the query level, so a tuple
// without a direction filter (which the UI groups and shows per direction)
// inflates its page size; a filtered tuple needs less because filtering
// happens client-side after the fetch. Every request also covers at least a
// dormancy buffer so that a display waking from a long hidden period can
// render from data already in hand.
type RequestSizing struct {
	// DisplayCount is the number of departures shown per direction (grouped)
	// or in total (filtered).
	DisplayCount int
	// DirectionInflation multiplies DisplayCount for unfiltered tuples.
	// Values below 3 are raised to 3.
	DirectionInflation int
	// FilteredInflation multiplies DisplayCount for direction-filtered tuples.
	// Values below 2 are raised to 2.
	FilteredInflation int
}

const dormancyBufferFactor = 2

// Limit returns the upstream page size for one tuple.
func (s RequestSizing) Limit(t FetchTuple) int {
	display := s.DisplayCount
	if display <= 0 {
		display = 1
	}

	inflation := s.DirectionInflation
	if t.DirectionFilter != "" {
		inflation = s.FilteredInflation
		if inflation < 2 {
			inflation = 2
		}
	} else if inflation < 3 {
		inflation = 3
	}

	limit := display * inflation
	if floor := display * dormancyBufferFactor; limit < floor {
		limit = floor
	}
	return limit
}

// Orchestrator fans out one concurrent request per fetch tuple and collects
// the settled outcomes. A slow or failing tuple never blocks or cancels its
// siblings; each failure is contained in its own outcome.
type Orchestrator struct {
	source  DepartureSource
	sizing  RequestSizing
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewOrchestrator creates an orchestrator. metrics may be nil.
func NewOrchestrator(source DepartureSource, sizing RequestSizing, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		source:  source,
		sizing:  sizing,
		logger:  logger.With(slog.String("component", "fetch_orchestrator")),
		metrics: m,
	}
}

// FetchAll issues one request per tuple concurrently and waits for all of
// them to settle. Outcomes are returned in tuple order regardless of the
// order responses land in.
func (o *Orchestrator) FetchAll(ctx context.Context, tuples []FetchTuple, maxMinutes int) []FetchOutcome {
	outcomes := make([]FetchOutcome, len(tuples))

	var wg sync.WaitGroup
	for i, tuple := range tuples {
		wg.Add(1)
		go func(i int, tuple FetchTuple) {
			defer wg.Done()
			outcomes[i] = o.fetchOne(ctx, tuple, maxMinutes)
		}(i, tuple)
	}
	wg.Wait()

	return outcomes
}

func (o *Orchestrator) fetchOne(ctx context.Context, tuple FetchTuple, maxMinutes int) FetchOutcome {
	start := time.Now()
	result, err := o.source.FetchDepartures(ctx, tuple.Mode, tuple.StopID, o.sizing.Limit(tuple), maxMinutes)
	elapsed := time.Since(start)

	if o.metrics != nil {
		o.metrics.FetchDuration.WithLabelValues(string(tuple.Mode)).Observe(elapsed.Seconds())
	}

	if err != nil {
		reason := reasonOf(err)
		if o.metrics != nil {
			o.metrics.FetchErrorsTotal.WithLabelValues(string(reason)).Inc()
		}
		logging.LogError(o.logger, "departure fetch failed", err,
			slog.String("mode", string(tuple.Mode)),
			slog.String("stop_id", tuple.StopID),
			slog.String("reason", string(reason)))
		return FetchOutcome{Tuple: tuple, Reason: reason}
	}

	return FetchOutcome{
		Tuple:      tuple,
		StopName:   result.StopName,
		Departures: result.Departures,
	}
}

// reasonOf normalizes a source error into the engine's failure taxonomy.
// Sources classify their own errors; anything unclassified, including
// timeouts, counts as a network error.
func reasonOf(err error) FailureReason {
	var classified interface{ FailureReason() FailureReason }
	if errors.As(err, &classified) {
		return classified.FailureReason()
	}
	return ReasonNetwork
}
