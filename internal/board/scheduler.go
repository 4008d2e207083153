package board

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"headway.transitboard.org/internal/clock"
	"headway.transitboard.org/internal/logging"
	"headway.transitboard.org/internal/metrics"
	"headway.transitboard.org/internal/utils"
)

// SchedulerState is the scheduler's lifecycle state.
type SchedulerState int32

const (
	// SchedulerIdle means Start has not been called.
	SchedulerIdle SchedulerState = iota
	// SchedulerActiveVisible means the refresh timer is armed.
	SchedulerActiveVisible
	// SchedulerActiveHidden means the display is not visible and the timer
	// is suspended: no network activity until visibility is regained.
	SchedulerActiveHidden
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerActiveVisible:
		return "active-visible"
	case SchedulerActiveHidden:
		return "active-hidden"
	default:
		return "idle"
	}
}

// Cycle triggers, used as the metrics label.
const (
	triggerStart     = "start"
	triggerTimer     = "timer"
	triggerResume    = "resume"
	triggerForced    = "forced"
	triggerDiscovery = "discovery"
)

// rediscoveryDistanceMeters is how far a fresh location sample must be from
// the last discovery point before stops are rediscovered.
const rediscoveryDistanceMeters = 250.0

// NearbyDiscoverer finds candidate stops around a position. DiscoverNearby
// goes upstream; CachedNearby answers instantly from local data and may
// return nothing.
type NearbyDiscoverer interface {
	DiscoverNearby(ctx context.Context, lat, lon float64) ([]NearbyStop, error)
	CachedNearby(lat, lon float64) []NearbyStop
}

// Persister stores the committed board so a restart can render immediately
// from last-known data.
type Persister interface {
	SaveBoard(sections []ModeSection, location *LocationSample) error
}

// SchedulerConfig carries everything the scheduler needs to drive refresh
// cycles.
type SchedulerConfig struct {
	// RefreshInterval is the poll cadence while visible, and the staleness
	// threshold checked when visibility is regained.
	RefreshInterval time.Duration
	// CycleTimeout bounds one full fetch cycle. Zero means 15 seconds.
	CycleTimeout time.Duration
	// MaxLookaheadMinutes is passed through to every departures fetch.
	MaxLookaheadMinutes int
	// Configured is the static stop set, in configuration order.
	Configured []FetchTuple
	// Discovery switches the stop set to location-discovered nearby stops.
	Discovery bool
	// StopsPerMode caps discovered stops per mode.
	StopsPerMode int
	// LocationStaleAfter is the (longer) staleness threshold for the
	// location sample itself. Zero means 10 minutes.
	LocationStaleAfter time.Duration
	// View controls rendering of the committed sections.
	View ViewConfig
}

// Scheduler owns the refresh state machine and the committed board state.
// It is driven by three external events: timer fire, visibility change, and
// location updates. All shared state is replaced wholesale under one mutex;
// concurrent cycles are safe because each batch merges against the last
// committed sections only.
type Scheduler struct {
	cfg        SchedulerConfig
	clock      clock.Clock
	logger     *slog.Logger
	orch       *Orchestrator
	metrics    *metrics.Metrics
	discoverer NearbyDiscoverer
	persister  Persister

	state          atomic.Int32
	started        atomic.Bool
	stopped        atomic.Bool
	desiredVisible atomic.Bool

	// Triggers that arrive while hidden are latched here and fired on the
	// resume transition, so hiding never loses a refresh or rediscovery.
	pendingRefresh   atomic.Bool
	pendingDiscovery atomic.Bool

	visibilitySignal chan struct{}
	locationSignal   chan struct{}
	refreshSignal    chan struct{}
	shutdownCh       chan struct{}
	wg               sync.WaitGroup

	fade *FadeTracker

	mu           sync.RWMutex
	sections     []ModeSection
	lastRefresh  time.Time
	location     *LocationSample
	locationErr  LocationErrorReason
	nearby       []NearbyStop
	discovering  bool
	discoveredAt *LocationSample
}

// NewScheduler creates a scheduler. metrics may be nil.
func NewScheduler(cfg SchedulerConfig, clk clock.Clock, orch *Orchestrator, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 15 * time.Second
	}
	if cfg.LocationStaleAfter <= 0 {
		cfg.LocationStaleAfter = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cfg:              cfg,
		clock:            clk,
		logger:           logger.With(slog.String("component", "scheduler")),
		orch:             orch,
		metrics:          m,
		visibilitySignal: make(chan struct{}, 1),
		locationSignal:   make(chan struct{}, 1),
		refreshSignal:    make(chan struct{}, 1),
		shutdownCh:       make(chan struct{}),
		fade:             NewFadeTracker(cfg.View.FadeWindow),
	}
	s.desiredVisible.Store(true)
	return s
}

// WithDiscoverer sets the nearby-stop discoverer used in discovery mode.
func (s *Scheduler) WithDiscoverer(d NearbyDiscoverer) *Scheduler {
	s.discoverer = d
	return s
}

// WithPersister sets the board snapshot store.
func (s *Scheduler) WithPersister(p Persister) *Scheduler {
	s.persister = p
	return s
}

// RestoreBoard seeds the committed state from a persisted snapshot, marking
// every section as loading so the display knows a refresh is underway.
// Must be called before Start.
func (s *Scheduler) RestoreBoard(sections []ModeSection, location *LocationSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := make([]ModeSection, len(sections))
	for i, section := range sections {
		section.IsLoading = true
		restored[i] = section
	}
	s.sections = restored
	if location != nil {
		sample := *location
		s.location = &sample
	}
}

// Start transitions Idle to Active-Visible, triggers one immediate cycle,
// and arms the repeating refresh timer. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.setState(SchedulerActiveVisible)
	s.startCycle(triggerStart)
	if s.cfg.Discovery {
		s.startDiscovery()
	}
	s.wg.Add(1)
	go s.run()
}

// Stop tears down the timer and waits for the run loop and any in-flight
// cycles to finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.shutdownCh)
	s.wg.Wait()
	s.setState(SchedulerIdle)
}

// SetVisible reports a display visibility change. Events are coalesced; only
// the most recent state matters.
func (s *Scheduler) SetVisible(visible bool) {
	s.desiredVisible.Store(visible)
	signal(s.visibilitySignal)
}

// ReportLocation records a fresh device position and wakes the run loop so
// discovery can react to movement.
func (s *Scheduler) ReportLocation(lat, lon float64) {
	sample := LocationSample{Latitude: lat, Longitude: lon, CapturedAt: s.clock.Now()}
	s.mu.Lock()
	s.location = &sample
	s.locationErr = ""
	s.mu.Unlock()
	signal(s.locationSignal)
}

// ReportLocationError records a geolocation failure from the display. The
// scheduler stays armed and retries on the next natural trigger.
func (s *Scheduler) ReportLocationError(reason LocationErrorReason) {
	s.mu.Lock()
	s.locationErr = reason
	s.mu.Unlock()
	s.logger.Warn("location error reported", slog.String("reason", string(reason)))
}

// ForceRefresh triggers an immediate fetch cycle. While the display is
// hidden the request is latched and fires when visibility is regained.
func (s *Scheduler) ForceRefresh() {
	signal(s.refreshSignal)
}

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// LastRefresh returns when the last cycle with at least one successful tuple
// completed.
func (s *Scheduler) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

// Sections returns a copy of the committed sections.
func (s *Scheduler) Sections() []ModeSection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModeSection, len(s.sections))
	copy(out, s.sections)
	return out
}

// View renders the committed board at the current wall-clock time. Each call
// is one render tick: time-states are re-evaluated and the fade tracker
// advances, independent of fetch cadence.
func (s *Scheduler) View() View {
	now := s.clock.Now()

	s.mu.RLock()
	sections := make([]ModeSection, len(s.sections))
	copy(sections, s.sections)
	discovering := s.discovering
	locationErr := s.locationErr
	s.mu.RUnlock()

	view := BuildView(sections, now, s.cfg.View, s.fade)
	view.NearbyDiscoveryInProgress = discovering
	view.LocationError = locationErr

	if s.metrics != nil {
		visible := 0
		for _, sv := range view.Sections {
			visible += len(sv.Departures)
			for _, g := range sv.Groups {
				visible += len(g.Departures)
			}
		}
		s.metrics.VisibleDepartures.Set(float64(visible))
	}
	return view
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	interval := s.cfg.RefreshInterval
	timer := time.NewTimer(interval)
	timerArmed := true

	stopTimer := func() {
		if timerArmed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerArmed = false
	}
	rearm := func() {
		stopTimer()
		timer.Reset(interval)
		timerArmed = true
	}
	defer stopTimer()

	for {
		select {
		case <-timer.C:
			timerArmed = false
			if s.State() == SchedulerActiveVisible {
				s.startCycle(triggerTimer)
				rearm()
			}

		case <-s.visibilitySignal:
			s.applyVisibility(rearm, stopTimer)

		case <-s.locationSignal:
			s.handleLocationUpdate()

		case <-s.refreshSignal:
			s.startCycle(triggerForced)

		case <-s.shutdownCh:
			return
		}
	}
}

// applyVisibility runs the Active-Visible <-> Active-Hidden transitions.
// On regain, stale data triggers an immediate background cycle; in discovery
// mode a stale location sample triggers rediscovery instead, since the user
// may have physically moved.
func (s *Scheduler) applyVisibility(rearm, stopTimer func()) {
	visible := s.desiredVisible.Load()
	current := s.State()

	switch {
	case visible && current == SchedulerActiveHidden:
		s.setState(SchedulerActiveVisible)
		now := s.clock.Now()
		discover := s.pendingDiscovery.Swap(false) || (s.cfg.Discovery && s.locationStale(now))
		forced := s.pendingRefresh.Swap(false)
		switch {
		case discover:
			// Discovery triggers its own fetch cycle on completion, which
			// also covers any latched refresh.
			s.startDiscovery()
		case forced:
			s.startCycle(triggerForced)
		case now.Sub(s.LastRefresh()) >= s.cfg.RefreshInterval:
			s.startCycle(triggerResume)
		}
		rearm()

	case !visible && current == SchedulerActiveVisible:
		s.setState(SchedulerActiveHidden)
		stopTimer()
	}
}

func (s *Scheduler) handleLocationUpdate() {
	if !s.cfg.Discovery {
		return
	}

	s.mu.RLock()
	location := s.location
	discoveredAt := s.discoveredAt
	hasNearby := len(s.nearby) > 0
	s.mu.RUnlock()

	if location == nil {
		return
	}
	if hasNearby && discoveredAt != nil {
		moved := utils.Distance(location.Latitude, location.Longitude,
			discoveredAt.Latitude, discoveredAt.Longitude)
		if moved < rediscoveryDistanceMeters {
			return
		}
	}
	s.startDiscovery()
}

func (s *Scheduler) locationStale(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.location == nil {
		return true
	}
	return s.location.Age(now) > s.cfg.LocationStaleAfter
}

func (s *Scheduler) setState(state SchedulerState) {
	s.state.Store(int32(state))
	if s.metrics != nil {
		if state == SchedulerActiveVisible {
			s.metrics.DisplayVisible.Set(1)
		} else {
			s.metrics.DisplayVisible.Set(0)
		}
	}
}

func (s *Scheduler) startCycle(trigger string) {
	if s.stopped.Load() {
		return
	}
	if s.State() == SchedulerActiveHidden {
		// Hidden means zero upstream fetches, whatever the trigger. Latch
		// the request instead; applyVisibility fires it on resume.
		s.pendingRefresh.Store(true)
		return
	}
	if s.metrics != nil {
		s.metrics.RefreshCyclesTotal.WithLabelValues(trigger).Inc()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCycle(trigger)
	}()
}

func (s *Scheduler) runCycle(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CycleTimeout)
	defer cancel()
	ctx = logging.WithLogger(ctx, s.logger)

	tuples := s.activeTuples()
	if len(tuples) == 0 {
		if s.cfg.Discovery {
			s.startDiscovery()
		}
		return
	}

	s.addLoadingSections(tuples)

	logging.LogOperation(s.logger, "refresh_cycle",
		slog.String("trigger", trigger),
		slog.Int("tuples", len(tuples)))

	batch := s.orch.FetchAll(ctx, tuples, s.cfg.MaxLookaheadMinutes)
	s.commit(batch)
}

func (s *Scheduler) activeTuples() []FetchTuple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Resolve(ResolverInput{
		Configured:   s.cfg.Configured,
		Discovery:    s.cfg.Discovery,
		Nearby:       s.nearby,
		StopsPerMode: s.cfg.StopsPerMode,
	})
}

// addLoadingSections commits a placeholder for any tuple that has no section
// yet, so the display can show per-stop loading state during the first fetch.
func (s *Scheduler) addLoadingSections(tuples []FetchTuple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]struct{}, len(s.sections))
	for _, section := range s.sections {
		known[section.Key()] = struct{}{}
	}
	for _, tuple := range tuples {
		if _, ok := known[tuple.Key()]; !ok {
			s.sections = append(s.sections, NewLoadingSection(tuple))
		}
	}
}

// commit merges one batch into the committed board. The batch is aligned
// against the tuple set active at commit time, not the set the cycle started
// with, so a slow cycle settling after a rediscovery cannot resurrect stops
// that dropped out of the set while it was in flight.
func (s *Scheduler) commit(batch []FetchOutcome) {
	active := s.activeTuples()
	activeKeys := make(map[string]struct{}, len(active))
	for _, tuple := range active {
		activeKeys[tuple.Key()] = struct{}{}
	}

	anySuccess := false
	for _, outcome := range batch {
		if _, ok := activeKeys[outcome.Tuple.Key()]; ok && outcome.OK() {
			anySuccess = true
			break
		}
	}

	s.mu.Lock()
	merged := MergeSections(active, s.sections, batch)
	s.sections = merged
	if anySuccess {
		s.lastRefresh = s.clock.Now()
	}
	var location *LocationSample
	if s.location != nil {
		sample := *s.location
		location = &sample
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BoardSections.Set(float64(len(merged)))
	}

	if s.persister != nil && anySuccess {
		if err := s.persister.SaveBoard(merged, location); err != nil {
			if s.metrics != nil {
				s.metrics.SnapshotSaveErrors.Inc()
			}
			logging.LogError(s.logger, "failed to persist board snapshot", err)
		} else if s.metrics != nil {
			s.metrics.SnapshotSavesTotal.Inc()
		}
	}
}

// startDiscovery kicks off nearby-stop rediscovery. Cached candidates are
// committed immediately so a cycle can run without waiting for the upstream
// round-trip; the authoritative result replaces them when it lands.
func (s *Scheduler) startDiscovery() {
	if s.discoverer == nil || s.stopped.Load() {
		return
	}
	if s.State() == SchedulerActiveHidden {
		s.pendingDiscovery.Store(true)
		return
	}

	s.mu.Lock()
	if s.discovering || s.location == nil {
		s.mu.Unlock()
		return
	}
	s.discovering = true
	location := *s.location
	hasNearby := len(s.nearby) > 0
	s.mu.Unlock()

	if !hasNearby {
		if cached := s.discoverer.CachedNearby(location.Latitude, location.Longitude); len(cached) > 0 {
			s.mu.Lock()
			s.nearby = cached
			s.mu.Unlock()
			s.startCycle(triggerDiscovery)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CycleTimeout)
		defer cancel()

		stops, err := s.discoverer.DiscoverNearby(ctx, location.Latitude, location.Longitude)

		s.mu.Lock()
		s.discovering = false
		if err == nil {
			s.nearby = stops
			s.discoveredAt = &location
		}
		s.mu.Unlock()

		if err != nil {
			// Not fatal: the scheduler stays armed and retries on the next
			// natural trigger.
			logging.LogError(s.logger, "nearby stop discovery failed", err)
			return
		}
		s.startCycle(triggerDiscovery)
	}()
}

// signal performs a non-blocking send; a pending signal already covers the
// new event.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
