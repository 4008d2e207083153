// Package settings loads and validates the board configuration file: which
// stops to show, refresh cadence, display sizing, and nearby-discovery
// behavior.
package settings

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"headway.transitboard.org/internal/board"
)

const (
	defaultRefreshIntervalSeconds = 60
	defaultDisplayCountPerMode    = 3
	defaultMaxLookaheadMinutes    = 90
	defaultFadeOutSeconds         = 30
	defaultDelayDeadBandMinutes   = 2
	defaultNearbyDistanceMeters   = 800
	defaultStopsPerMode           = 1
	defaultLocationStaleMinutes   = 10
)

// StopEntry is one configured stop in the settings file.
type StopEntry struct {
	Mode      string `yaml:"mode"`
	StopID    string `yaml:"stop_id"`
	Name      string `yaml:"name"`
	Direction string `yaml:"direction"`
	Enabled   *bool  `yaml:"enabled"`
}

// NearbySettings controls location-based stop discovery.
type NearbySettings struct {
	Enabled              bool     `yaml:"enabled"`
	MaxDistanceMeters    int      `yaml:"max_distance_meters"`
	StopsPerMode         int      `yaml:"stops_per_mode"`
	LocationStaleMinutes int      `yaml:"location_stale_minutes"`
	Modes                []string `yaml:"modes"`
}

// Settings is the parsed configuration file.
type Settings struct {
	RefreshIntervalSeconds int            `yaml:"refresh_interval_seconds"`
	DisplayCountPerMode    int            `yaml:"display_count_per_mode"`
	MaxLookaheadMinutes    int            `yaml:"max_lookahead_minutes"`
	FadeOutSeconds         int            `yaml:"fade_out_seconds"`
	DelayDeadBandMinutes   int            `yaml:"delay_dead_band_minutes"`
	Nearby                 NearbySettings `yaml:"nearby"`
	Stops                  []StopEntry    `yaml:"stops"`
}

// Load reads and validates the settings file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML settings, applies defaults, and validates.
func Parse(data []byte) (*Settings, error) {
	s := &Settings{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Default returns the settings used when no file is present: nearby discovery
// on for trains and trams, no configured stops.
func Default() *Settings {
	s := &Settings{
		Nearby: NearbySettings{
			Enabled: true,
			Modes:   []string{string(board.ModeTrain), string(board.ModeTram)},
		},
	}
	s.applyDefaults()
	return s
}

func (s *Settings) applyDefaults() {
	if s.RefreshIntervalSeconds <= 0 {
		s.RefreshIntervalSeconds = defaultRefreshIntervalSeconds
	}
	if s.DisplayCountPerMode <= 0 {
		s.DisplayCountPerMode = defaultDisplayCountPerMode
	}
	if s.MaxLookaheadMinutes <= 0 {
		s.MaxLookaheadMinutes = defaultMaxLookaheadMinutes
	}
	if s.FadeOutSeconds <= 0 {
		s.FadeOutSeconds = defaultFadeOutSeconds
	}
	if s.DelayDeadBandMinutes <= 0 {
		s.DelayDeadBandMinutes = defaultDelayDeadBandMinutes
	}
	if s.Nearby.MaxDistanceMeters <= 0 {
		s.Nearby.MaxDistanceMeters = defaultNearbyDistanceMeters
	}
	if s.Nearby.StopsPerMode <= 0 {
		s.Nearby.StopsPerMode = defaultStopsPerMode
	}
	if s.Nearby.LocationStaleMinutes <= 0 {
		s.Nearby.LocationStaleMinutes = defaultLocationStaleMinutes
	}
}

func (s *Settings) validate() error {
	for i, stop := range s.Stops {
		mode := board.Mode(stop.Mode)
		if !mode.IsValid() {
			return fmt.Errorf("stops[%d]: unknown mode %q", i, stop.Mode)
		}
		if stop.StopID == "" {
			return fmt.Errorf("stops[%d]: stop_id is required", i)
		}
	}
	for i, mode := range s.Nearby.Modes {
		if !board.Mode(mode).IsValid() {
			return fmt.Errorf("nearby.modes[%d]: unknown mode %q", i, mode)
		}
	}
	if len(s.Stops) == 0 && !s.Nearby.Enabled {
		return fmt.Errorf("settings configure no stops and disable nearby discovery; nothing to show")
	}
	return nil
}

// EnabledStops returns the fetch tuples for every enabled configured stop,
// in file order. A stop with no enabled flag counts as enabled.
func (s *Settings) EnabledStops() []board.FetchTuple {
	tuples := make([]board.FetchTuple, 0, len(s.Stops))
	for _, stop := range s.Stops {
		if stop.Enabled != nil && !*stop.Enabled {
			continue
		}
		tuples = append(tuples, board.FetchTuple{
			Mode:            board.Mode(stop.Mode),
			StopID:          stop.StopID,
			DirectionFilter: stop.Direction,
		})
	}
	return tuples
}

// DiscoveryEnabled reports whether nearby discovery should drive the stop
// set. Configured stops always win over discovery.
func (s *Settings) DiscoveryEnabled() bool {
	return s.Nearby.Enabled && len(s.EnabledStops()) == 0
}

// NearbyModes returns the modes nearby discovery queries.
func (s *Settings) NearbyModes() []board.Mode {
	modes := make([]board.Mode, 0, len(s.Nearby.Modes))
	for _, m := range s.Nearby.Modes {
		modes = append(modes, board.Mode(m))
	}
	if len(modes) == 0 {
		modes = append(modes, board.ModeTrain, board.ModeTram)
	}
	return modes
}

// RefreshInterval returns the poll cadence as a duration.
func (s *Settings) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalSeconds) * time.Second
}

// FadeOutWindow returns how long a vanished departure lingers on screen.
func (s *Settings) FadeOutWindow() time.Duration {
	return time.Duration(s.FadeOutSeconds) * time.Second
}

// LocationStaleAfter returns the age past which a location sample no longer
// justifies skipping rediscovery.
func (s *Settings) LocationStaleAfter() time.Duration {
	return time.Duration(s.Nearby.LocationStaleMinutes) * time.Minute
}
