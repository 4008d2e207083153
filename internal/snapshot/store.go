// Package snapshot persists the last committed board to SQLite so a restart
// renders immediately from last-known data while the first fetch cycle runs.
package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver

	"headway.transitboard.org/internal/board"
	"headway.transitboard.org/internal/clock"
)

//go:embed schema.sql
var ddl string

// Store is the SQLite-backed board snapshot. One process owns one store;
// SaveBoard and Load are safe to call concurrently.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open creates or opens the snapshot database at path. Use ":memory:" for
// tests.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configuring snapshot database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configuring snapshot database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Snapshot writes are small and serialized; one connection avoids
	// SQLITE_BUSY between overlapping save and load.
	db.SetMaxOpenConns(1)

	return &Store{db: db, clock: clk}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	statements := strings.Split(ddl, "-- migrate")
	for _, stmt := range statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, trimmed); err != nil {
			return fmt.Errorf("error executing DDL statement [%s]: %w", trimmed, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for connection-pool metrics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveBoard replaces the stored snapshot with the given sections and
// location. It implements board.Persister.
func (s *Store) SaveBoard(sections []board.ModeSection, location *board.LocationSample) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM board_sections"); err != nil {
		return fmt.Errorf("clearing stored sections: %w", err)
	}

	for i, section := range sections {
		departures, err := json.Marshal(section.Departures)
		if err != nil {
			return fmt.Errorf("encoding departures for %s: %w", section.Key(), err)
		}
		_, err = tx.Exec(
			`INSERT INTO board_sections
				(position, mode, stop_id, stop_name, group_by_direction, direction_filter, departures)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			i, string(section.Mode), section.StopID, section.StopName,
			boolToInt(section.GroupByDirection), section.DirectionFilter, string(departures),
		)
		if err != nil {
			return fmt.Errorf("storing section %s: %w", section.Key(), err)
		}
	}

	var lat, lon any
	var capturedAt any
	if location != nil {
		lat = location.Latitude
		lon = location.Longitude
		capturedAt = location.CapturedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.Exec(
		`INSERT INTO board_meta (id, saved_at, location_latitude, location_longitude, location_captured_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			saved_at = excluded.saved_at,
			location_latitude = excluded.location_latitude,
			location_longitude = excluded.location_longitude,
			location_captured_at = excluded.location_captured_at`,
		s.clock.Now().UTC().Format(time.RFC3339Nano), lat, lon, capturedAt,
	)
	if err != nil {
		return fmt.Errorf("storing snapshot metadata: %w", err)
	}

	return tx.Commit()
}

// Load returns the stored sections and location sample. A fresh database
// yields no sections and a nil location, not an error.
func (s *Store) Load() ([]board.ModeSection, *board.LocationSample, error) {
	rows, err := s.db.Query(
		`SELECT mode, stop_id, stop_name, group_by_direction, direction_filter, departures
		 FROM board_sections ORDER BY position`)
	if err != nil {
		return nil, nil, fmt.Errorf("reading stored sections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sections []board.ModeSection
	for rows.Next() {
		var mode, stopID, stopName, directionFilter, departuresJSON string
		var groupByDirection int
		if err := rows.Scan(&mode, &stopID, &stopName, &groupByDirection, &directionFilter, &departuresJSON); err != nil {
			return nil, nil, fmt.Errorf("scanning stored section: %w", err)
		}
		var departures []board.Departure
		if err := json.Unmarshal([]byte(departuresJSON), &departures); err != nil {
			return nil, nil, fmt.Errorf("decoding departures for %s/%s: %w", mode, stopID, err)
		}
		sections = append(sections, board.ModeSection{
			Mode:             board.Mode(mode),
			StopID:           stopID,
			StopName:         stopName,
			Departures:       departures,
			GroupByDirection: groupByDirection != 0,
			DirectionFilter:  directionFilter,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading stored sections: %w", err)
	}

	location, err := s.loadLocation()
	if err != nil {
		return nil, nil, err
	}
	return sections, location, nil
}

func (s *Store) loadLocation() (*board.LocationSample, error) {
	var lat, lon sql.NullFloat64
	var capturedAt sql.NullString
	err := s.db.QueryRow(
		`SELECT location_latitude, location_longitude, location_captured_at FROM board_meta WHERE id = 1`,
	).Scan(&lat, &lon, &capturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot metadata: %w", err)
	}
	if !lat.Valid || !lon.Valid || !capturedAt.Valid {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, capturedAt.String)
	if err != nil {
		return nil, fmt.Errorf("parsing stored location timestamp: %w", err)
	}
	return &board.LocationSample{Latitude: lat.Float64, Longitude: lon.Float64, CapturedAt: ts}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
