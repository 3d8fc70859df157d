package statistics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/natgridstats/natgridstats/pkg/coordinator"
	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/types"
)

// incrementalWindow bounds how far back hourly readings are imported after
// the first refresh so they don't overlap the validated interval series.
const incrementalWindow = 48 * time.Hour

// Store persists cumulative statistic series.
type Store interface {
	// LastStatistic returns the most recent point of a series. The bool is
	// false if the series has no points.
	LastStatistic(ctx context.Context, statisticID string) (types.LastStatistic, bool, error)

	// AddExternalStatistics upserts points into a series, keyed by start.
	AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error
}

// Mirror receives a copy of every batch successfully written to the Store.
type Mirror interface {
	WriteStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error
}

// Importer turns coordinator snapshots into statistic series.
type Importer struct {
	store   Store
	mirrors []Mirror
	now     func() time.Time
}

// NewImporter returns an Importer writing to store and copying every written
// batch to mirrors.
func NewImporter(store Store, mirrors ...Mirror) *Importer {
	return &Importer{
		store:   store,
		mirrors: mirrors,
		now:     time.Now,
	}
}

// ImportAll imports every series derivable from the snapshot. A failing
// series doesn't stop the others; all failures are returned joined.
func (i *Importer) ImportAll(ctx context.Context, snap *coordinator.Snapshot) error {
	if snap == nil {
		return nil
	}

	var cutoff time.Time
	if !snap.FirstRefresh {
		cutoff = i.now().UTC().Add(-incrementalWindow)
	}

	var errs []error
	for _, sp := range sortedKeys(snap.AmiUsages) {
		md, ok := snap.Meters[sp]
		if !ok {
			log.Ctx(ctx).DebugContext(ctx, "skipping ami usages for unknown meter", slog.String("servicePoint", sp))
			continue
		}
		spCtx := log.WithAttrs(ctx, slog.String("servicePoint", sp))
		if err := i.importAmi(spCtx, sp, md.Meter.FuelType, snap.AmiUsages[sp], cutoff); err != nil {
			errs = append(errs, err)
		}
	}

	for _, sp := range sortedKeys(snap.IntervalReads) {
		spCtx := log.WithAttrs(ctx, slog.String("servicePoint", sp))
		if err := i.importIntervals(spCtx, sp, snap.IntervalReads[sp]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reading is a parsed value at the top of its hour.
type reading struct {
	start time.Time
	value float64
}

func (i *Importer) importAmi(ctx context.Context, sp string, fuel types.FuelType, usages []types.AmiEnergyUsage, cutoff time.Time) error {
	if fuel.IsGas() {
		readings := parseAmi(ctx, usages, func(q float64) (float64, bool) {
			return types.ThermsToCCF(q), true
		})
		return i.importSeries(ctx, GasHourly.Metadata(sp), readings, cutoff)
	}

	consumption := parseAmi(ctx, usages, func(q float64) (float64, bool) {
		return q, q >= 0
	})
	err := i.importSeries(ctx, ElectricHourly.Metadata(sp), consumption, cutoff)

	hasReturn := slices.ContainsFunc(usages, func(u types.AmiEnergyUsage) bool {
		return u.Quantity < 0
	})
	if !hasReturn {
		return err
	}
	returned := parseAmi(ctx, usages, func(q float64) (float64, bool) {
		return -q, q < 0
	})
	return errors.Join(err, i.importSeries(ctx, ElectricReturnHourly.Metadata(sp), returned, cutoff))
}

func (i *Importer) importIntervals(ctx context.Context, sp string, reads []types.IntervalRead) error {
	consumption := parseIntervals(ctx, reads, func(v float64) (float64, bool) {
		return v, v >= 0
	})
	err := i.importSeries(ctx, ElectricInterval.Metadata(sp), consumption, time.Time{})

	hasReturn := slices.ContainsFunc(reads, func(r types.IntervalRead) bool {
		return r.Value < 0
	})
	if !hasReturn {
		return err
	}
	returned := parseIntervals(ctx, reads, func(v float64) (float64, bool) {
		return -v, v < 0
	})
	return errors.Join(err, i.importSeries(ctx, ElectricIntervalReturn.Metadata(sp), returned, time.Time{}))
}

// importSeries appends the readings newer than the last stored point and at
// or after cutoff to the series.
func (i *Importer) importSeries(ctx context.Context, meta types.StatisticMetadata, readings []reading, cutoff time.Time) error {
	last, hasLast, err := i.store.LastStatistic(ctx, meta.StatisticID)
	if err != nil {
		return fmt.Errorf("failed to get last statistic for %s: %w", meta.StatisticID, err)
	}

	points := accumulate(readings, last, hasLast, cutoff)
	if len(points) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no new statistics to import", slog.String("statisticID", meta.StatisticID))
		return nil
	}

	if err := i.store.AddExternalStatistics(ctx, meta, points); err != nil {
		return fmt.Errorf("failed to add statistics for %s: %w", meta.StatisticID, err)
	}
	log.Ctx(ctx).InfoContext(ctx, "imported statistics",
		slog.String("statisticID", meta.StatisticID),
		slog.Int("count", len(points)),
		slog.Float64("sum", points[len(points)-1].Sum),
	)

	for _, m := range i.mirrors {
		if err := m.WriteStatistics(ctx, meta, points); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to mirror statistics", slog.String("statisticID", meta.StatisticID), slog.Any("error", err))
		}
	}
	return nil
}

// accumulate sums readings into hourly buckets, drops the buckets that were
// already imported or fall before cutoff and computes the running sum.
func accumulate(readings []reading, last types.LastStatistic, hasLast bool, cutoff time.Time) []types.StatisticPoint {
	buckets := make(map[time.Time]float64)
	for _, r := range readings {
		buckets[r.start] += r.value
	}
	starts := make([]time.Time, 0, len(buckets))
	for start := range buckets {
		starts = append(starts, start)
	}
	slices.SortFunc(starts, func(a, b time.Time) int {
		return a.Compare(b)
	})

	var points []types.StatisticPoint
	sum := last.Sum
	for _, start := range starts {
		if hasLast && !start.After(last.Start) {
			continue
		}
		if !cutoff.IsZero() && start.Before(cutoff) {
			continue
		}
		state := buckets[start]
		sum += state
		points = append(points, types.StatisticPoint{
			Start: start,
			State: state,
			Sum:   sum,
		})
	}
	return points
}

func parseAmi(ctx context.Context, usages []types.AmiEnergyUsage, keep func(float64) (float64, bool)) []reading {
	var readings []reading
	var skipped int
	for _, u := range usages {
		value, ok := keep(u.Quantity)
		if !ok {
			continue
		}
		start, err := types.HourStart(u.Date)
		if err != nil {
			skipped++
			continue
		}
		readings = append(readings, reading{start: start, value: value})
	}
	if skipped > 0 {
		log.Ctx(ctx).DebugContext(ctx, "skipped ami usages with invalid dates", slog.Int("count", skipped))
	}
	return readings
}

func parseIntervals(ctx context.Context, reads []types.IntervalRead, keep func(float64) (float64, bool)) []reading {
	var readings []reading
	var skipped int
	for _, r := range reads {
		value, ok := keep(r.Value)
		if !ok {
			continue
		}
		start, err := types.HourStart(r.StartTime)
		if err != nil {
			skipped++
			continue
		}
		readings = append(readings, reading{start: start, value: value})
	}
	if skipped > 0 {
		log.Ctx(ctx).DebugContext(ctx, "skipped interval reads with invalid start times", slog.Int("count", skipped))
	}
	return readings
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
