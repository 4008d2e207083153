package app

import (
	"log/slog"

	"headway.transitboard.org/internal/appconf"
	"headway.transitboard.org/internal/board"
	"headway.transitboard.org/internal/clock"
	"headway.transitboard.org/internal/metrics"
	"headway.transitboard.org/internal/settings"
	"headway.transitboard.org/internal/snapshot"
	"headway.transitboard.org/internal/stopindex"
	"headway.transitboard.org/internal/transit"
)

// Application holds the dependencies for our HTTP handlers, helpers,
// and middleware: the refresh scheduler, the upstream client, the snapshot
// store, and the ambient pieces they share.
type Application struct {
	Config    appconf.Config
	Settings  *settings.Settings
	Logger    *slog.Logger
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Scheduler *board.Scheduler
	Transit   *transit.Client
	Discovery *transit.Discovery
	Snapshot  *snapshot.Store
	StopIndex *stopindex.Index
}
