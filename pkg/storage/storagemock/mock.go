package storagemock

import (
	"context"
	"time"

	"github.com/natgridstats/natgridstats/pkg/storage"
	"github.com/natgridstats/natgridstats/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) LastStatistic(ctx context.Context, statisticID string) (types.LastStatistic, bool, error) {
	args := m.Called(ctx, statisticID)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.LastStatistic), args.Bool(1), args.Error(2)
	}
	return types.LastStatistic{}, false, nil
}

func (m *MockDatabase) AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	args := m.Called(ctx, meta, points)
	return args.Error(0)
}

func (m *MockDatabase) GetStatisticMetadata(ctx context.Context, statisticID string) (types.StatisticMetadata, error) {
	args := m.Called(ctx, statisticID)
	return args.Get(0).(types.StatisticMetadata), args.Error(1)
}

func (m *MockDatabase) ListStatisticIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error) {
	args := m.Called(ctx, statisticID, start, end)
	if v := args.Get(0); v != nil {
		return v.([]types.StatisticPoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) ClearStatistics(ctx context.Context, statisticIDs []string) error {
	args := m.Called(ctx, statisticIDs)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	if len(args) > 0 {
		return args.Error(0)
	}
	return nil
}
