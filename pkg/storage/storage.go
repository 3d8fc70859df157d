package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/natgridstats/natgridstats/pkg/types"
)

var ErrStatisticNotFound = errors.New("statistic not found")

// schemaVersion is written to the version field of every record.
const schemaVersion = 1

// Database persists external statistic series.
type Database interface {
	// LastStatistic returns the most recent point of a series. The bool is
	// false if the series has no points.
	LastStatistic(ctx context.Context, statisticID string) (types.LastStatistic, bool, error)
	// AddExternalStatistics upserts the metadata and the points of a series.
	// Points are keyed by their start.
	AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error

	GetStatisticMetadata(ctx context.Context, statisticID string) (types.StatisticMetadata, error)
	ListStatisticIDs(ctx context.Context) ([]string, error)
	// GetStatistics returns the points with start in [start, end) ordered by
	// start.
	GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error)
	// ClearStatistics removes the metadata and every point of each series.
	// Unknown ids are ignored.
	ClearStatistics(ctx context.Context, statisticIDs []string) error

	// Lifecycle
	Close() error
}

// Configured sets up the Database provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, sqlite)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
