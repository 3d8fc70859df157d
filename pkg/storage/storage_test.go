package storage

import (
	"context"
	"testing"
	"time"

	"github.com/natgridstats/natgridstats/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDatabase runs the behavior every provider must share. statisticID must
// not exist in db yet.
func testDatabase(t *testing.T, db Database, statisticID string) {
	ctx := context.Background()
	base := time.Date(2025, 1, 17, 10, 0, 0, 0, time.UTC)
	meta := types.StatisticMetadata{
		StatisticID: statisticID,
		Name:        "123 Electric Hourly Usage",
		Source:      types.StatisticSource,
		Unit:        types.UnitKWH,
		HasSum:      true,
	}

	t.Run("Empty", func(t *testing.T) {
		_, ok, err := db.LastStatistic(ctx, statisticID)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = db.GetStatisticMetadata(ctx, statisticID)
		assert.ErrorIs(t, err, ErrStatisticNotFound)
	})

	t.Run("Add", func(t *testing.T) {
		points := []types.StatisticPoint{
			{Start: base, State: 1.5, Sum: 1.5},
			{Start: base.Add(time.Hour), State: 2, Sum: 3.5},
			{Start: base.Add(2 * time.Hour), State: 0.5, Sum: 4},
		}
		require.NoError(t, db.AddExternalStatistics(ctx, meta, points))

		last, ok, err := db.LastStatistic(ctx, statisticID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, base.Add(2*time.Hour).Equal(last.Start))
		assert.Equal(t, 4.0, last.Sum)

		gotMeta, err := db.GetStatisticMetadata(ctx, statisticID)
		require.NoError(t, err)
		assert.Equal(t, meta, gotMeta)

		ids, err := db.ListStatisticIDs(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, statisticID)
	})

	t.Run("Range", func(t *testing.T) {
		got, err := db.GetStatistics(ctx, statisticID, base.Add(time.Hour), base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, base.Add(time.Hour).Equal(got[0].Start))
		assert.Equal(t, 2.0, got[0].State)
		assert.Equal(t, 3.5, got[0].Sum)

		got, err = db.GetStatistics(ctx, statisticID, base, base.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, base.Equal(got[0].Start))
		assert.True(t, base.Add(2*time.Hour).Equal(got[2].Start))
	})

	t.Run("Upsert", func(t *testing.T) {
		points := []types.StatisticPoint{
			{Start: base.Add(2 * time.Hour), State: 1, Sum: 4.5},
			{Start: base.Add(3 * time.Hour), State: 1, Sum: 5.5},
		}
		require.NoError(t, db.AddExternalStatistics(ctx, meta, points))

		got, err := db.GetStatistics(ctx, statisticID, base, base.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, 1.0, got[2].State)
		assert.Equal(t, 4.5, got[2].Sum)

		last, ok, err := db.LastStatistic(ctx, statisticID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 5.5, last.Sum)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, db.ClearStatistics(ctx, []string{statisticID, statisticID + "_unknown"}))

		_, ok, err := db.LastStatistic(ctx, statisticID)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = db.GetStatisticMetadata(ctx, statisticID)
		assert.ErrorIs(t, err, ErrStatisticNotFound)

		ids, err := db.ListStatisticIDs(ctx)
		require.NoError(t, err)
		assert.NotContains(t, ids, statisticID)
	})
}
