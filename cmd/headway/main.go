package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"headway.transitboard.org/internal/app"
	"headway.transitboard.org/internal/appconf"
	"headway.transitboard.org/internal/board"
	"headway.transitboard.org/internal/clock"
	"headway.transitboard.org/internal/logging"
	"headway.transitboard.org/internal/metrics"
	"headway.transitboard.org/internal/restapi"
	"headway.transitboard.org/internal/settings"
	"headway.transitboard.org/internal/snapshot"
	"headway.transitboard.org/internal/stopindex"
	"headway.transitboard.org/internal/transit"
)

const dbStatsInterval = 30 * time.Second

func main() {
	var cfg appconf.Config
	var envFlag string

	flag.StringVar(&cfg.Addr, "addr", ":4000", "HTTP listen address")
	flag.StringVar(&cfg.SettingsPath, "settings", "", "path to the board settings YAML file")
	flag.StringVar(&cfg.SnapshotPath, "snapshot", "headway.db", "path to the board snapshot database")
	flag.StringVar(&cfg.TransitURL, "transit-url", "", "base URL of the upstream transit API")
	flag.StringVar(&cfg.TransitKey, "transit-key", os.Getenv("TRANSIT_API_KEY"), "API key for the upstream transit API")
	flag.StringVar(&envFlag, "env", "development", "runtime environment (development|test|production)")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	cfg.Env = appconf.EnvFlagToEnvironment(envFlag)

	if cfg.TransitURL == "" {
		fmt.Fprintln(os.Stderr, "missing required -transit-url flag")
		os.Exit(1)
	}

	application, err := BuildApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	srv, api := CreateServer(application, cfg)
	if err := Run(application, srv, api); err != nil {
		logging.LogError(application.Logger, "server exited", err)
		os.Exit(1)
	}
}

// NewLogger builds the process logger: JSON in production, text elsewhere.
func NewLogger(cfg appconf.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Env == appconf.Production {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// BuildApplication wires every dependency: settings, upstream client, stop
// index, snapshot store, and the refresh scheduler restored from the last
// saved board.
func BuildApplication(cfg appconf.Config) (*app.Application, error) {
	logger := NewLogger(cfg)
	slog.SetDefault(logger)

	boardSettings, err := loadSettings(cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.NewWithLogger(logger)
	clk := clock.RealClock{}
	index := stopindex.New()

	client := transit.NewClient(transit.Config{
		BaseURL: cfg.TransitURL,
		APIKey:  cfg.TransitKey,
		Logger:  logger,
	})
	discovery := transit.NewDiscovery(client, boardSettings.NearbyModes(),
		boardSettings.Nearby.MaxDistanceMeters, index, logger)

	store, err := snapshot.Open(cfg.SnapshotPath, clk)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	m.StartDBStatsCollector(store.DB(), dbStatsInterval)

	orch := board.NewOrchestrator(client, board.RequestSizing{
		DisplayCount: boardSettings.DisplayCountPerMode,
	}, logger, m)

	scheduler := board.NewScheduler(board.SchedulerConfig{
		RefreshInterval:     boardSettings.RefreshInterval(),
		MaxLookaheadMinutes: boardSettings.MaxLookaheadMinutes,
		Configured:          boardSettings.EnabledStops(),
		Discovery:           boardSettings.DiscoveryEnabled(),
		StopsPerMode:        boardSettings.Nearby.StopsPerMode,
		LocationStaleAfter:  boardSettings.LocationStaleAfter(),
		View: board.ViewConfig{
			DisplayCount:         boardSettings.DisplayCountPerMode,
			FadeWindow:           boardSettings.FadeOutWindow(),
			DelayDeadBandMinutes: boardSettings.DelayDeadBandMinutes,
		},
	}, clk, orch, logger, m).WithDiscoverer(discovery).WithPersister(store)

	sections, location, err := store.Load()
	if err != nil {
		logging.LogError(logger, "restoring board snapshot failed, starting cold", err)
	} else if len(sections) > 0 {
		scheduler.RestoreBoard(sections, location)
		logger.Info("board restored from snapshot", slog.Int("sections", len(sections)))
	}

	return &app.Application{
		Config:    cfg,
		Settings:  boardSettings,
		Logger:    logger,
		Clock:     clk,
		Metrics:   m,
		Scheduler: scheduler,
		Transit:   client,
		Discovery: discovery,
		Snapshot:  store,
		StopIndex: index,
	}, nil
}

func loadSettings(cfg appconf.Config, logger *slog.Logger) (*settings.Settings, error) {
	if cfg.SettingsPath == "" {
		logger.Info("no settings file given, using defaults with nearby discovery")
		return settings.Default(), nil
	}
	s, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	return s, nil
}

// CreateServer builds the HTTP server over the wired application.
func CreateServer(application *app.Application, cfg appconf.Config) (*http.Server, *restapi.RestAPI) {
	api := restapi.NewRestAPI(application)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.Routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv, api
}

// Run starts the scheduler and the HTTP server, then blocks until SIGINT or
// SIGTERM and shuts both down gracefully.
func Run(application *app.Application, srv *http.Server, api *restapi.RestAPI) error {
	logger := application.Logger

	application.Scheduler.Start()
	defer shutdownApplication(application)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			slog.String("addr", srv.Addr),
			slog.String("env", application.Config.Env.String()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// shutdownApplication tears the wired application down in dependency order:
// the scheduler stops first so an in-flight cycle can settle and persist,
// then the snapshot store closes, then the metrics collectors stop.
func shutdownApplication(application *app.Application) {
	application.Scheduler.Stop()
	logging.SafeCloseWithLogging(application.Snapshot, application.Logger, "snapshot store")
	application.Metrics.Shutdown()
}
