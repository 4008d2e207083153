package board

// FailureReason classifies a per-tuple fetch failure. An empty reason means
// the fetch succeeded.
type FailureReason string

const (
	ReasonNone     FailureReason = ""
	ReasonNetwork  FailureReason = "network-error"
	ReasonHTTP     FailureReason = "http-error"
	ReasonNotFound FailureReason = "not-found"
)

// StopDepartures is the payload of one successful upstream departures fetch.
type StopDepartures struct {
	StopName   string
	Departures []Departure
}

// FetchOutcome is the normalized result of one tuple's fetch: either a
// success carrying departures and the resolved stop name, or a failure
// carrying a reason.
type FetchOutcome struct {
	Tuple      FetchTuple
	StopName   string
	Departures []Departure
	Reason     FailureReason
}

// OK reports whether the fetch succeeded, regardless of how many departures
// it returned.
func (o FetchOutcome) OK() bool {
	return o.Reason == ReasonNone
}

// ModeSection is the engine's committed result for one FetchTuple. Sections
// are replaced wholesale on each merge cycle, never partially mutated.
type ModeSection struct {
	Mode             Mode          `json:"mode"`
	StopID           string        `json:"stopId"`
	StopName         string        `json:"stopName"`
	Departures       []Departure   `json:"departures"`
	IsLoading        bool          `json:"isLoading"`
	Err              FailureReason `json:"error,omitempty"`
	GroupByDirection bool          `json:"groupByDirection"`
	DirectionFilter  string        `json:"directionFilter,omitempty"`
}

// Key identifies the section's (mode, stop) pair.
func (s ModeSection) Key() string {
	return string(s.Mode) + "|" + s.StopID
}

// Tuple returns the FetchTuple this section belongs to.
func (s ModeSection) Tuple() FetchTuple {
	return FetchTuple{Mode: s.Mode, StopID: s.StopID, DirectionFilter: s.DirectionFilter}
}

// HasUsableDepartures reports whether the section holds data worth keeping
// over a failed or empty refetch: at least one departure and no error.
func (s ModeSection) HasUsableDepartures() bool {
	return s.Err == ReasonNone && len(s.Departures) > 0
}

// NewLoadingSection returns the placeholder section shown for a tuple whose
// first fetch has not yet settled.
func NewLoadingSection(t FetchTuple) ModeSection {
	return ModeSection{
		Mode:             t.Mode,
		StopID:           t.StopID,
		IsLoading:        true,
		GroupByDirection: t.DirectionFilter == "",
		DirectionFilter:  t.DirectionFilter,
	}
}
