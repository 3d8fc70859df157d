package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/natgridstats/natgridstats/pkg/types"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS statistics_meta (
		statistic_id TEXT PRIMARY KEY,
		json TEXT NOT NULL,
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS statistics (
		statistic_id TEXT NOT NULL,
		start INTEGER NOT NULL,
		state REAL NOT NULL,
		sum REAL NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (statistic_id, start)
	)`,
}

// SQLiteProvider implements the Database interface on a local SQLite file.
// Point starts are stored as unix seconds.
type SQLiteProvider struct {
	db   *sql.DB
	path string
}

// configuredSQLite sets up the SQLite provider.
// It registers flags for configuration.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "natgridstats.db", "Path of the SQLite database file")

	s := &SQLiteProvider{}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// NewSQLite returns a provider for the database at path. Init must be called
// before use.
func NewSQLite(path string) *SQLiteProvider {
	return &SQLiteProvider{path: path}
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database and creates the tables.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	// sqlite only allows a single writer
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("failed to create sqlite schema: %w", err)
		}
	}
	s.db = db
	return nil
}

// Close closes the database.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LastStatistic retrieves the point with the latest start of a series.
func (s *SQLiteProvider) LastStatistic(ctx context.Context, statisticID string) (types.LastStatistic, bool, error) {
	var start int64
	var sum float64
	err := s.db.QueryRowContext(ctx,
		`SELECT start, sum FROM statistics WHERE statistic_id = ? ORDER BY start DESC LIMIT 1`,
		statisticID,
	).Scan(&start, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return types.LastStatistic{}, false, nil
	}
	if err != nil {
		return types.LastStatistic{}, false, fmt.Errorf("failed to get last statistic: %w", err)
	}
	return types.LastStatistic{Start: time.Unix(start, 0).UTC(), Sum: sum}, true, nil
}

// AddExternalStatistics upserts the metadata and points in one transaction.
func (s *SQLiteProvider) AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	if meta.StatisticID == "" {
		return fmt.Errorf("statisticID cannot be empty")
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal statistic metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO statistics_meta (statistic_id, json, version) VALUES (?, ?, ?)
		ON CONFLICT (statistic_id) DO UPDATE SET json = excluded.json, version = excluded.version`,
		meta.StatisticID, string(metaBytes), schemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert statistic metadata: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO statistics (statistic_id, start, state, sum, version) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (statistic_id, start) DO UPDATE SET state = excluded.state, sum = excluded.sum, version = excluded.version`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare statistic upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, meta.StatisticID, p.Start.Unix(), p.State, p.Sum, schemaVersion); err != nil {
			return fmt.Errorf("failed to upsert statistic point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit statistics: %w", err)
	}
	return nil
}

// GetStatisticMetadata retrieves the metadata of a series.
func (s *SQLiteProvider) GetStatisticMetadata(ctx context.Context, statisticID string) (types.StatisticMetadata, error) {
	var jsonStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT json FROM statistics_meta WHERE statistic_id = ?`,
		statisticID,
	).Scan(&jsonStr)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StatisticMetadata{}, fmt.Errorf("%w: %s", ErrStatisticNotFound, statisticID)
	}
	if err != nil {
		return types.StatisticMetadata{}, fmt.Errorf("failed to get statistic %s: %w", statisticID, err)
	}

	var meta types.StatisticMetadata
	if err := json.Unmarshal([]byte(jsonStr), &meta); err != nil {
		return types.StatisticMetadata{}, fmt.Errorf("failed to unmarshal statistic %s: %w", statisticID, err)
	}
	return meta, nil
}

// ListStatisticIDs returns the ids of every stored series.
func (s *SQLiteProvider) ListStatisticIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT statistic_id FROM statistics_meta ORDER BY statistic_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list statistics: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan statistic id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetStatistics retrieves the points of a series within the specified time range.
func (s *SQLiteProvider) GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start, state, sum FROM statistics
		WHERE statistic_id = ? AND start >= ? AND start < ?
		ORDER BY start`,
		statisticID, start.Unix(), end.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	var points []types.StatisticPoint
	for rows.Next() {
		var ts int64
		var p types.StatisticPoint
		if err := rows.Scan(&ts, &p.State, &p.Sum); err != nil {
			return nil, fmt.Errorf("failed to scan statistic point: %w", err)
		}
		p.Start = time.Unix(ts, 0).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// ClearStatistics removes the metadata and every point of each series.
func (s *SQLiteProvider) ClearStatistics(ctx context.Context, statisticIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range statisticIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM statistics WHERE statistic_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete points of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM statistics_meta WHERE statistic_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete statistic %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}
	return nil
}
