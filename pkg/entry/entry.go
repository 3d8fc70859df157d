package entry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/natgridstats/natgridstats/pkg/coordinator"
	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/sensors"
	"github.com/natgridstats/natgridstats/pkg/statistics"
	"github.com/natgridstats/natgridstats/pkg/storage"
	"github.com/natgridstats/natgridstats/pkg/utility"
)

// ErrNotReady is returned by Setup when the first refresh failed for a
// reason other than rejected credentials. Setup can be retried later.
var ErrNotReady = errors.New("national grid not ready")

// Options configures Setup.
type Options struct {
	// Accounts to poll. Every linked account is polled if empty.
	Accounts []string
	Mirrors  []statistics.Mirror
	// Sensors publishes entities after every refresh. Optional.
	Sensors *sensors.Manager
}

// Entry is a configured National Grid login: its API session, coordinator
// and the consumers of its snapshots.
type Entry struct {
	client      utility.Client
	store       storage.Database
	coordinator *coordinator.Coordinator
	importer    *statistics.Importer
	sensors     *sensors.Manager
}

// Setup does the first refresh, imports the statistics it produced and
// registers the listeners that keep statistics and sensors current. On error
// the client is closed.
func Setup(ctx context.Context, client utility.Client, store storage.Database, opts Options) (*Entry, error) {
	e := &Entry{
		client:      client,
		store:       store,
		coordinator: coordinator.New(client, opts.Accounts),
		importer:    statistics.NewImporter(store, opts.Mirrors...),
		sensors:     opts.Sensors,
	}

	if err := e.setup(ctx); err != nil {
		if cerr := client.Close(); cerr != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to close national grid client", slog.Any("error", cerr))
		}
		return nil, err
	}
	return e, nil
}

func (e *Entry) setup(ctx context.Context) error {
	snap, err := e.coordinator.Refresh(ctx)
	if err != nil {
		if errors.Is(err, coordinator.ErrReauthRequired) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	if err := e.importer.ImportAll(ctx, snap); err != nil {
		return fmt.Errorf("failed to import statistics: %w", err)
	}

	e.coordinator.AddListener(e.importStatistics)
	if e.sensors.Enabled() {
		// later refreshes publish again
		e.sensors.Listener(ctx, snap)
		e.coordinator.AddListener(e.sensors.Listener)
		e.coordinator.AddFailureListener(e.sensors.FailureListener)
	}

	log.Ctx(ctx).InfoContext(ctx, "national grid entry set up",
		slog.Int("accounts", len(snap.Accounts)),
		slog.Int("meters", len(snap.Meters)),
	)
	return nil
}

func (e *Entry) importStatistics(ctx context.Context, snap *coordinator.Snapshot) {
	if err := e.importer.ImportAll(ctx, snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to import statistics", slog.Any("error", err))
	}
}

// Coordinator returns the entry's coordinator.
func (e *Entry) Coordinator() *coordinator.Coordinator {
	return e.coordinator
}

// Run polls until ctx is done.
func (e *Entry) Run(ctx context.Context, interval time.Duration) error {
	return e.coordinator.Run(ctx, interval)
}

// Unload marks the sensors offline and closes the API session.
func (e *Entry) Unload(ctx context.Context) error {
	e.sensors.Close(ctx)
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("failed to close national grid client: %w", err)
	}
	return nil
}

// StatisticIDs returns the id of every series the known meters can have.
func (e *Entry) StatisticIDs() []string {
	snap := e.coordinator.Data()
	if snap == nil {
		return nil
	}
	sps := make([]string, 0, len(snap.Meters))
	for sp := range snap.Meters {
		sps = append(sps, sp)
	}
	slices.Sort(sps)

	var ids []string
	for _, sp := range sps {
		ids = append(ids, statistics.StatisticIDs(sp)...)
	}
	return ids
}

// Remove deletes every statistic series and sensor of the known meters.
func (e *Entry) Remove(ctx context.Context) error {
	ids := e.StatisticIDs()
	var errs []error
	if len(ids) > 0 {
		log.Ctx(ctx).DebugContext(ctx, "clearing statistics", slog.Any("statisticIDs", ids))
		if err := e.store.ClearStatistics(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear statistics: %w", err))
		}
	}
	if err := e.sensors.Remove(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove sensors: %w", err))
	}
	return errors.Join(errs...)
}
