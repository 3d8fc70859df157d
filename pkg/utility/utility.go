package utility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/natgridstats/natgridstats/pkg/types"
)

var (
	// ErrInvalidAuth means the credentials were rejected. Retrying will not
	// help until the user supplies new credentials.
	ErrInvalidAuth = errors.New("invalid authentication")

	// ErrCannotConnect means the provider could not be reached.
	ErrCannotConnect = errors.New("cannot connect")

	// ErrRetryExhausted means the provider kept failing with a transient error.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrProvider is a generic provider-side failure, including responses
	// that could not be decoded.
	ErrProvider = errors.New("provider error")
)

// APIError is an error reported by the provider in a response body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("national grid api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("national grid api error: %s", e.Message)
}

// Unwrap makes every APIError match ErrProvider.
func (e *APIError) Unwrap() error {
	return ErrProvider
}

// IsAccountError reports whether err is one of the failures that only affect
// the account being fetched (connectivity, retries or provider errors).
func IsAccountError(err error) bool {
	return errors.Is(err, ErrCannotConnect) ||
		errors.Is(err, ErrRetryExhausted) ||
		errors.Is(err, ErrProvider)
}

// Client defines the operations used against the utility provider API.
type Client interface {
	// LinkedAccounts returns the billing account ids linked to the login.
	LinkedAccounts(ctx context.Context) ([]string, error)

	// BillingAccount returns the account record including its meters.
	BillingAccount(ctx context.Context, accountID string) (types.BillingAccount, error)

	// EnergyUsages returns monthly usages starting at fromMonth (YYYYMM).
	EnergyUsages(ctx context.Context, accountID string, fromMonth int) ([]types.EnergyUsage, error)

	// EnergyUsageCosts returns the monthly costs as of queryDate.
	EnergyUsageCosts(ctx context.Context, accountID string, queryDate time.Time, companyCode string) ([]types.EnergyUsageCost, error)

	// AmiEnergyUsages returns hourly smart meter readings between the two dates.
	AmiEnergyUsages(ctx context.Context, meter types.AmiMeterIdentifier, dateFrom, dateTo time.Time) ([]types.AmiEnergyUsage, error)

	// IntervalReads returns validated 15 minute reads starting at start.
	IntervalReads(ctx context.Context, premiseNumber, servicePointNumber string, start time.Time) ([]types.IntervalRead, error)

	// Close ends the API session.
	Close() error
}
