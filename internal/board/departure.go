// Package board implements the live departure refresh engine: the departure
// data model, the time-based lifecycle and grouping rules, the merge policy
// that protects usable stale data, the stop-set resolver, the concurrent
// fetch orchestrator, and the visibility-aware scheduler that drives them.
package board

import "time"

// Mode is a mode of public transport.
type Mode string

const (
	ModeTrain     Mode = "train"
	ModeTram      Mode = "tram"
	ModeBus       Mode = "bus"
	ModeFerry     Mode = "ferry"
	ModeMetro     Mode = "metro"
	ModeLightRail Mode = "light_rail"
	ModeCoach     Mode = "coach"
)

// KnownModes lists every supported transport mode.
var KnownModes = []Mode{ModeTrain, ModeTram, ModeBus, ModeFerry, ModeMetro, ModeLightRail, ModeCoach}

// IsValid reports whether m is one of the known transport modes.
func (m Mode) IsValid() bool {
	for _, known := range KnownModes {
		if m == known {
			return true
		}
	}
	return false
}

// Direction identifies the direction of travel of a service.
type Direction struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Departure is one upcoming service at a stop. Departures are immutable
// value objects fetched fresh each cycle; ID is stable within one
// (mode, stop) result set and is used only to correlate the same logical
// service across consecutive fetches.
type Departure struct {
	ID          string     `json:"id"`
	RouteLabel  string     `json:"routeLabel"`
	Destination string     `json:"destination"`
	Direction   Direction  `json:"direction"`
	Scheduled   time.Time  `json:"scheduled"`
	Estimated   *time.Time `json:"estimated,omitempty"`
	Platform    string     `json:"platform,omitempty"`
	Mode        Mode       `json:"mode"`
	IsRealTime  bool       `json:"isRealTime"`
	Cancelled   bool       `json:"cancelled"`
}

// EffectiveTime returns the instant used for all time-based classification:
// the live estimate when one exists, otherwise the scheduled time.
func (d Departure) EffectiveTime() time.Time {
	if d.Estimated != nil {
		return *d.Estimated
	}
	return d.Scheduled
}

// DelayMinutes returns the delay in whole minutes relative to the schedule.
// Positive means late, negative means early. The second return value is false
// when no live estimate exists, in which case delay is meaningless.
func (d Departure) DelayMinutes() (int, bool) {
	if d.Estimated == nil {
		return 0, false
	}
	delta := d.Estimated.Sub(d.Scheduled)
	return int(delta.Round(time.Minute) / time.Minute), true
}

// TimeState classifies where a departure sits relative to the current time.
type TimeState string

const (
	// StateUpcoming means the effective time is in a future minute.
	StateUpcoming TimeState = "upcoming"
	// StateDepartingNow means the effective time falls within the current minute.
	StateDepartingNow TimeState = "departing-now"
	// StateGone means the effective time is strictly in a past minute.
	StateGone TimeState = "gone"
)

// Classify returns the time-state of d at the given instant. Comparison is
// at minute granularity so a service departs "now" for the whole wall-clock
// minute of its effective time.
func Classify(d Departure, now time.Time) TimeState {
	effective := d.EffectiveTime().Truncate(time.Minute)
	current := now.Truncate(time.Minute)

	switch {
	case effective.After(current):
		return StateUpcoming
	case effective.Equal(current):
		return StateDepartingNow
	default:
		return StateGone
	}
}

// FetchTuple is the unit of a single upstream departures request:
// one transport mode at one stop, optionally narrowed to one direction.
type FetchTuple struct {
	Mode            Mode   `json:"mode"`
	StopID          string `json:"stopId"`
	DirectionFilter string `json:"directionFilter,omitempty"`
}

// Key identifies the (mode, stop) pair. At most one ModeSection exists per
// key at any time; the direction filter narrows display, not identity.
func (t FetchTuple) Key() string {
	return string(t.Mode) + "|" + t.StopID
}

// LocationSample is the most recent device position, used only to decide
// whether nearby-stop discovery is stale.
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Age returns how old the sample is at the given instant.
func (s LocationSample) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// NearbyStop is one candidate stop produced by location discovery.
type NearbyStop struct {
	Mode           Mode    `json:"mode"`
	StopID         string  `json:"stopId"`
	Name           string  `json:"name"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	DistanceMeters float64 `json:"distanceMeters"`
}

// LocationErrorReason classifies geolocation failures reported by the display.
type LocationErrorReason string

const (
	LocationDenied      LocationErrorReason = "location-denied"
	LocationUnavailable LocationErrorReason = "location-unavailable"
	LocationTimeout     LocationErrorReason = "location-timeout"
)
