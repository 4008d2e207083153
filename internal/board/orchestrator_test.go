package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource lets each (mode, stop) pair behave differently, with optional
// per-stop latency so tests can control response arrival order.
type fakeSource struct {
	mu      sync.Mutex
	results map[string]StopDepartures
	errors  map[string]error
	delays  map[string]time.Duration
	calls   []fetchCall
}

type fetchCall struct {
	stopID     string
	limit      int
	maxMinutes int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		results: make(map[string]StopDepartures),
		errors:  make(map[string]error),
		delays:  make(map[string]time.Duration),
	}
}

func (f *fakeSource) FetchDepartures(ctx context.Context, mode Mode, stopID string, limit, maxMinutes int) (StopDepartures, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{stopID: stopID, limit: limit, maxMinutes: maxMinutes})
	delay := f.delays[stopID]
	result, err := f.results[stopID], f.errors[stopID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return StopDepartures{}, ctx.Err()
		}
	}
	if err != nil {
		return StopDepartures{}, err
	}
	return result, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type classifiedErr struct {
	reason FailureReason
}

func (e *classifiedErr) Error() string                { return string(e.reason) }
func (e *classifiedErr) FailureReason() FailureReason { return e.reason }

func TestRequestSizing_Limit(t *testing.T) {
	tests := []struct {
		name   string
		sizing RequestSizing
		tuple  FetchTuple
		want   int
	}{
		{
			name:   "unfiltered uses direction inflation",
			sizing: RequestSizing{DisplayCount: 2, DirectionInflation: 3, FilteredInflation: 2},
			tuple:  FetchTuple{Mode: ModeTram, StopID: "a"},
			want:   6,
		},
		{
			name:   "direction inflation floor of three",
			sizing: RequestSizing{DisplayCount: 2, DirectionInflation: 1},
			tuple:  FetchTuple{Mode: ModeTram, StopID: "a"},
			want:   6,
		},
		{
			name:   "filtered uses smaller inflation",
			sizing: RequestSizing{DisplayCount: 4, DirectionInflation: 3, FilteredInflation: 2},
			tuple:  FetchTuple{Mode: ModeTrain, StopID: "a", DirectionFilter: "up"},
			want:   8,
		},
		{
			name:   "filtered inflation floor of two keeps the dormancy buffer",
			sizing: RequestSizing{DisplayCount: 5, FilteredInflation: 1},
			tuple:  FetchTuple{Mode: ModeTrain, StopID: "a", DirectionFilter: "up"},
			want:   10,
		},
		{
			name:   "zero display count still requests something",
			sizing: RequestSizing{},
			tuple:  FetchTuple{Mode: ModeBus, StopID: "a"},
			want:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sizing.Limit(tt.tuple))
		})
	}
}

func TestOrchestrator_FetchAllConcurrent(t *testing.T) {
	source := newFakeSource()
	for _, id := range []string{"a", "b", "c"} {
		source.results[id] = StopDepartures{StopName: "Stop " + id}
		source.delays[id] = 50 * time.Millisecond
	}
	orch := NewOrchestrator(source, RequestSizing{DisplayCount: 2}, nil, nil)

	tuples := []FetchTuple{
		{Mode: ModeTram, StopID: "a"},
		{Mode: ModeTram, StopID: "b"},
		{Mode: ModeTram, StopID: "c"},
	}

	start := time.Now()
	outcomes := orch.FetchAll(context.Background(), tuples, 60)
	elapsed := time.Since(start)

	require.Len(t, outcomes, 3)
	// Three sequential 50ms fetches would take 150ms.
	assert.Less(t, elapsed, 120*time.Millisecond, "tuples must be fetched concurrently")
}

func TestOrchestrator_OutcomesInTupleOrder(t *testing.T) {
	source := newFakeSource()
	source.results["slow"] = StopDepartures{StopName: "Slow"}
	source.delays["slow"] = 40 * time.Millisecond
	source.results["fast"] = StopDepartures{StopName: "Fast"}

	orch := NewOrchestrator(source, RequestSizing{DisplayCount: 2}, nil, nil)
	outcomes := orch.FetchAll(context.Background(), []FetchTuple{
		{Mode: ModeTrain, StopID: "slow"},
		{Mode: ModeTrain, StopID: "fast"},
	}, 60)

	require.Len(t, outcomes, 2)
	assert.Equal(t, "Slow", outcomes[0].StopName)
	assert.Equal(t, "Fast", outcomes[1].StopName)
}

// One tuple succeeding and one failing must not affect each other, whichever
// response lands first.
func TestOrchestrator_FanOutIndependence(t *testing.T) {
	tests := []struct {
		name         string
		successDelay time.Duration
		failureDelay time.Duration
	}{
		{name: "failure lands first", successDelay: 30 * time.Millisecond},
		{name: "success lands first", failureDelay: 30 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newFakeSource()
			source.results["ok"] = StopDepartures{
				StopName:   "Working Stop",
				Departures: []Departure{dep("d1", testBase)},
			}
			source.delays["ok"] = tt.successDelay
			source.errors["broken"] = &classifiedErr{reason: ReasonHTTP}
			source.delays["broken"] = tt.failureDelay

			orch := NewOrchestrator(source, RequestSizing{DisplayCount: 2}, nil, nil)
			outcomes := orch.FetchAll(context.Background(), []FetchTuple{
				{Mode: ModeTram, StopID: "ok"},
				{Mode: ModeTram, StopID: "broken"},
			}, 60)

			require.Len(t, outcomes, 2)
			assert.True(t, outcomes[0].OK())
			assert.Len(t, outcomes[0].Departures, 1)
			assert.Equal(t, ReasonHTTP, outcomes[1].Reason)
			assert.Empty(t, outcomes[1].Departures)
		})
	}
}

func TestOrchestrator_ErrorNormalization(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureReason
	}{
		{name: "classified not-found", err: &classifiedErr{reason: ReasonNotFound}, want: ReasonNotFound},
		{name: "classified http error", err: &classifiedErr{reason: ReasonHTTP}, want: ReasonHTTP},
		{name: "wrapped classified error", err: errors.Join(errors.New("outer"), &classifiedErr{reason: ReasonNotFound}), want: ReasonNotFound},
		{name: "plain error counts as network", err: errors.New("connection reset"), want: ReasonNetwork},
		{name: "context timeout counts as network", err: context.DeadlineExceeded, want: ReasonNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newFakeSource()
			source.errors["x"] = tt.err
			orch := NewOrchestrator(source, RequestSizing{DisplayCount: 2}, nil, nil)

			outcomes := orch.FetchAll(context.Background(), []FetchTuple{{Mode: ModeBus, StopID: "x"}}, 60)

			require.Len(t, outcomes, 1)
			assert.Equal(t, tt.want, outcomes[0].Reason)
		})
	}
}

func TestOrchestrator_PassesSizedLimits(t *testing.T) {
	source := newFakeSource()
	source.results["a"] = StopDepartures{}
	source.results["b"] = StopDepartures{}

	orch := NewOrchestrator(source, RequestSizing{DisplayCount: 2, DirectionInflation: 3, FilteredInflation: 2}, nil, nil)
	orch.FetchAll(context.Background(), []FetchTuple{
		{Mode: ModeTram, StopID: "a"},
		{Mode: ModeTrain, StopID: "b", DirectionFilter: "up"},
	}, 90)

	source.mu.Lock()
	defer source.mu.Unlock()
	require.Len(t, source.calls, 2)
	byStop := map[string]fetchCall{}
	for _, c := range source.calls {
		byStop[c.stopID] = c
	}
	assert.Equal(t, 6, byStop["a"].limit)
	assert.Equal(t, 4, byStop["b"].limit)
	assert.Equal(t, 90, byStop["a"].maxMinutes)
}
