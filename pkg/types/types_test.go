package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThermsToCCF(t *testing.T) {
	assert.Equal(t, 10.38, ThermsToCCF(10))
	assert.Equal(t, 1.04, ThermsToCCF(1))
	assert.Equal(t, 0.0, ThermsToCCF(0))
}

func TestFuelType(t *testing.T) {
	assert.Equal(t, "Electric", FuelTypeElectric.Title())
	assert.Equal(t, "Gas", FuelType("GAS").Title())
	assert.Equal(t, "", FuelType("").Title())

	assert.True(t, FuelType("gas").IsGas())
	assert.True(t, FuelTypeGas.IsGas())
	assert.False(t, FuelTypeElectric.IsGas())
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "123 Main St", TitleCase("123 MAIN ST"))
	assert.Equal(t, "Residential", TitleCase("RESIDENTIAL"))
	assert.Equal(t, "O'Neil Ave", TitleCase("o'neil ave"))
	assert.Equal(t, "", TitleCase(""))
}

func TestBillingAccountMeters(t *testing.T) {
	ba := BillingAccount{
		BillingAccountID: "acct1",
		Meter: MeterNodes{Nodes: []Meter{
			{ServicePointNumber: "SP1", FuelType: FuelTypeElectric},
			{ServicePointNumber: "SP2", FuelType: FuelTypeGas},
		}},
	}
	require.Len(t, ba.Meters(), 2)
	assert.Equal(t, "SP2", ba.Meters()[1].ServicePointNumber)
	assert.Empty(t, BillingAccount{}.Meters())
}

func TestParseReadingTime(t *testing.T) {
	t.Run("offset", func(t *testing.T) {
		got, err := ParseReadingTime("2025-01-15T10:00:00-05:00")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC), got)
	})

	t.Run("utc", func(t *testing.T) {
		got, err := ParseReadingTime("2025-01-15T10:15:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 1, 15, 10, 15, 0, 0, time.UTC), got)
	})

	t.Run("no offset is utc", func(t *testing.T) {
		got, err := ParseReadingTime("2025-01-15T10:15:00")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 1, 15, 10, 15, 0, 0, time.UTC), got)
	})

	t.Run("date only", func(t *testing.T) {
		got, err := ParseReadingTime("2025-01-15")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseReadingTime("")
		assert.ErrorIs(t, err, ErrEmptyTimestamp)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseReadingTime("not-a-date")
		assert.Error(t, err)
	})
}

func TestHourStart(t *testing.T) {
	got, err := HourStart("2025-01-15T10:45:30Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), got)
}

func TestYearMonth(t *testing.T) {
	assert.Equal(t, 202501, YearMonth(time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 202412, YearMonth(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)))
}
