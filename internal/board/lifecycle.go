package board

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultFadeWindow is how long a just-departed service stays rendered,
	// de-emphasized, before being dropped from output.
	DefaultFadeWindow = 30 * time.Second

	// DefaultDelayDeadBandMinutes is the delay magnitude treated as "on time"
	// for display purposes rather than surfaced numerically.
	DefaultDelayDeadBandMinutes = 2
)

// ViewConfig controls how committed sections are rendered into a view.
type ViewConfig struct {
	// DisplayCount is the number of departures shown per direction when a
	// section groups by direction, or in total otherwise.
	DisplayCount int
	// FadeWindow is how long a just-departed service remains rendered.
	FadeWindow time.Duration
	// DelayDeadBandMinutes is the +/- minutes of delay displayed as on-time.
	DelayDeadBandMinutes int
}

// DepartureView is one departure as presented to the rendering layer,
// annotated with its time-state and display-ready delay information.
type DepartureView struct {
	Departure
	State TimeState `json:"state"`
	// Fading marks a departure that has already gone but is still shown,
	// de-emphasized, inside the fade window.
	Fading bool `json:"fading,omitempty"`
	// DelayMinutes is set only when a live estimate exists and the delay
	// exceeds the dead-band. Positive means late, negative means early.
	DelayMinutes *int `json:"delayMinutes,omitempty"`
	// OnTime is set when a live estimate exists and the delay is within the
	// dead-band.
	OnTime bool `json:"onTime,omitempty"`
}

// DirectionGroup is one direction bucket of a grouped section, capped at the
// per-direction display count.
type DirectionGroup struct {
	Direction  Direction       `json:"direction"`
	Departures []DepartureView `json:"departures"`
}

// SectionView is one section as presented to the rendering layer.
type SectionView struct {
	Mode             Mode             `json:"mode"`
	StopID           string           `json:"stopId"`
	StopName         string           `json:"stopName"`
	IsLoading        bool             `json:"isLoading"`
	Err              FailureReason    `json:"error,omitempty"`
	GroupByDirection bool             `json:"groupByDirection"`
	Groups           []DirectionGroup `json:"groups,omitempty"`
	Departures       []DepartureView  `json:"departures,omitempty"`
	// Fading holds just-departed services still inside the fade window.
	Fading []DepartureView `json:"fading,omitempty"`
}

// View is the full board state handed to the rendering layer for one tick.
type View struct {
	GeneratedAt               time.Time           `json:"generatedAt"`
	Sections                  []SectionView       `json:"sections"`
	NearbyDiscoveryInProgress bool                `json:"nearbyDiscoveryInProgress"`
	LocationError             LocationErrorReason `json:"locationError,omitempty"`
}

// FadeTracker detects departures that transitioned out of the visible set and
// holds them for the fade window. Detection is an explicit before/after
// id-set comparison computed once per tick, not inferred from data identity.
type FadeTracker struct {
	mu      sync.Mutex
	window  time.Duration
	visible map[string]fadeEntry
	fading  map[string]fadeEntry
}

type fadeEntry struct {
	sectionKey string
	departure  Departure
	goneAt     time.Time
}

// NewFadeTracker creates a tracker with the given fade window. A zero or
// negative window falls back to the default.
func NewFadeTracker(window time.Duration) *FadeTracker {
	if window <= 0 {
		window = DefaultFadeWindow
	}
	return &FadeTracker{
		window:  window,
		visible: make(map[string]fadeEntry),
		fading:  make(map[string]fadeEntry),
	}
}

// Tick compares the current visible set against the previous tick's, moves
// newly-gone departures into the fading set, expires entries older than the
// window, and returns the departures currently fading, keyed by section.
func (f *FadeTracker) Tick(now time.Time, visible map[string]fadeEntry) map[string][]Departure {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, entry := range f.visible {
		if _, still := visible[key]; still {
			continue
		}
		// Only a departure that actually became gone fades out; one that
		// simply vanished from fresh data is dropped immediately.
		if Classify(entry.departure, now) != StateGone {
			continue
		}
		if _, already := f.fading[key]; !already {
			entry.goneAt = now
			f.fading[key] = entry
		}
	}

	out := make(map[string][]Departure)
	for key, entry := range f.fading {
		if _, back := visible[key]; back {
			delete(f.fading, key)
			continue
		}
		if now.Sub(entry.goneAt) >= f.window {
			delete(f.fading, key)
			continue
		}
		out[entry.sectionKey] = append(out[entry.sectionKey], entry.departure)
	}

	f.visible = visible
	return out
}

// BuildView evaluates every committed section at the given instant:
// classifies each departure, applies direction filtering and grouping, caps
// counts, and folds in fading departures from the tracker. It is a pure
// function of (sections, now) apart from the tracker's tick state.
func BuildView(sections []ModeSection, now time.Time, cfg ViewConfig, tracker *FadeTracker) View {
	if cfg.DisplayCount <= 0 {
		cfg.DisplayCount = 1
	}
	if cfg.DelayDeadBandMinutes < 0 {
		cfg.DelayDeadBandMinutes = DefaultDelayDeadBandMinutes
	}

	currentVisible := make(map[string]fadeEntry)
	views := make([]SectionView, 0, len(sections))

	for _, section := range sections {
		sv := buildSectionView(section, now, cfg, currentVisible)
		views = append(views, sv)
	}

	if tracker != nil {
		fadingBySection := tracker.Tick(now, currentVisible)
		for i := range views {
			key := string(views[i].Mode) + "|" + views[i].StopID
			fading := fadingBySection[key]
			if len(fading) == 0 {
				continue
			}
			sortByEffectiveTime(fading)
			for _, d := range fading {
				views[i].Fading = append(views[i].Fading, newDepartureView(d, StateGone, true, cfg.DelayDeadBandMinutes))
			}
		}
	}

	return View{GeneratedAt: now, Sections: views}
}

func buildSectionView(section ModeSection, now time.Time, cfg ViewConfig, currentVisible map[string]fadeEntry) SectionView {
	sv := SectionView{
		Mode:             section.Mode,
		StopID:           section.StopID,
		StopName:         section.StopName,
		IsLoading:        section.IsLoading,
		Err:              section.Err,
		GroupByDirection: section.GroupByDirection,
	}

	visible := make([]Departure, 0, len(section.Departures))
	for _, d := range section.Departures {
		if section.DirectionFilter != "" && d.Direction.ID != section.DirectionFilter {
			continue
		}
		if Classify(d, now) == StateGone {
			continue
		}
		visible = append(visible, d)
	}
	sortByEffectiveTime(visible)

	record := func(d Departure) {
		currentVisible[section.Key()+"|"+d.ID] = fadeEntry{
			sectionKey: section.Key(),
			departure:  d,
		}
	}

	if section.GroupByDirection {
		sv.Groups = groupByDirection(visible, now, cfg, record)
	} else {
		count := min(len(visible), cfg.DisplayCount)
		for _, d := range visible[:count] {
			sv.Departures = append(sv.Departures, newDepartureView(d, Classify(d, now), false, cfg.DelayDeadBandMinutes))
			record(d)
		}
	}
	return sv
}

func groupByDirection(visible []Departure, now time.Time, cfg ViewConfig, record func(Departure)) []DirectionGroup {
	order := make([]string, 0, 4)
	buckets := make(map[string][]Departure)
	names := make(map[string]Direction)

	// visible is already time-ordered, so buckets fill earliest-first and
	// the order slice ends up sorted by each bucket's earliest member.
	for _, d := range visible {
		id := d.Direction.ID
		if _, seen := buckets[id]; !seen {
			order = append(order, id)
			names[id] = d.Direction
		}
		if len(buckets[id]) >= cfg.DisplayCount {
			continue
		}
		buckets[id] = append(buckets[id], d)
	}

	groups := make([]DirectionGroup, 0, len(order))
	for _, id := range order {
		group := DirectionGroup{Direction: names[id]}
		for _, d := range buckets[id] {
			group.Departures = append(group.Departures, newDepartureView(d, Classify(d, now), false, cfg.DelayDeadBandMinutes))
			record(d)
		}
		groups = append(groups, group)
	}
	return groups
}

func newDepartureView(d Departure, state TimeState, fading bool, deadBand int) DepartureView {
	view := DepartureView{Departure: d, State: state, Fading: fading}
	if delay, ok := d.DelayMinutes(); ok {
		if delay >= -deadBand && delay <= deadBand {
			view.OnTime = true
		} else {
			view.DelayMinutes = &delay
		}
	}
	return view
}

func sortByEffectiveTime(departures []Departure) {
	sort.SliceStable(departures, func(i, j int) bool {
		a, b := departures[i].EffectiveTime(), departures[j].EffectiveTime()
		if a.Equal(b) {
			return departures[i].ID < departures[j].ID
		}
		return a.Before(b)
	})
}
