package utilitymock

import (
	"context"
	"time"

	"github.com/natgridstats/natgridstats/pkg/types"
	"github.com/natgridstats/natgridstats/pkg/utility"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

var _ utility.Client = (*MockClient)(nil)

func (m *MockClient) LinkedAccounts(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) BillingAccount(ctx context.Context, accountID string) (types.BillingAccount, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(types.BillingAccount), args.Error(1)
}

func (m *MockClient) EnergyUsages(ctx context.Context, accountID string, fromMonth int) ([]types.EnergyUsage, error) {
	args := m.Called(ctx, accountID, fromMonth)
	if v := args.Get(0); v != nil {
		return v.([]types.EnergyUsage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) EnergyUsageCosts(ctx context.Context, accountID string, queryDate time.Time, companyCode string) ([]types.EnergyUsageCost, error) {
	args := m.Called(ctx, accountID, queryDate, companyCode)
	if v := args.Get(0); v != nil {
		return v.([]types.EnergyUsageCost), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) AmiEnergyUsages(ctx context.Context, meter types.AmiMeterIdentifier, dateFrom, dateTo time.Time) ([]types.AmiEnergyUsage, error) {
	args := m.Called(ctx, meter, dateFrom, dateTo)
	if v := args.Get(0); v != nil {
		return v.([]types.AmiEnergyUsage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) IntervalReads(ctx context.Context, premiseNumber, servicePointNumber string, start time.Time) ([]types.IntervalRead, error) {
	args := m.Called(ctx, premiseNumber, servicePointNumber, start)
	if v := args.Get(0); v != nil {
		return v.([]types.IntervalRead), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Close() error {
	args := m.Called()
	if len(args) > 0 {
		return args.Error(0)
	}
	return nil
}
