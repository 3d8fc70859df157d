package types

import (
	"math"
	"time"
)

const (
	// StatisticSource is the domain prefix of every statistic series.
	StatisticSource = "national_grid"

	UnitKWH = "kWh"
	UnitCCF = "CCF"

	// ThermToCCF is the number of hundred cubic feet in one therm.
	ThermToCCF = 1.038
)

// ThermsToCCF converts therms to CCF rounded to 2 decimal places.
func ThermsToCCF(therms float64) float64 {
	return math.Round(therms*ThermToCCF*100) / 100
}

// StatisticMetadata describes an external cumulative statistic series.
type StatisticMetadata struct {
	StatisticID string `json:"statisticID"`
	Name        string `json:"name"`
	Source      string `json:"source"`
	Unit        string `json:"unit"`
	HasMean     bool   `json:"hasMean"`
	HasSum      bool   `json:"hasSum"`
}

// StatisticPoint is one top-of-hour entry in a series. Sum is the running
// total including State.
type StatisticPoint struct {
	Start time.Time `json:"start"`
	State float64   `json:"state"`
	Sum   float64   `json:"sum"`
}

// LastStatistic is the most recently imported point of a series.
type LastStatistic struct {
	Start time.Time
	Sum   float64
}
