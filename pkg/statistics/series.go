package statistics

import "github.com/natgridstats/natgridstats/pkg/types"

// Series describes one kind of statistic series kept per service point.
type Series struct {
	Suffix string
	Name   string
	Unit   string
}

var (
	ElectricHourly         = Series{Suffix: "electric_hourly_usage", Name: "Electric Hourly Usage", Unit: types.UnitKWH}
	ElectricReturnHourly   = Series{Suffix: "electric_return_hourly_usage", Name: "Electric Return Hourly Usage", Unit: types.UnitKWH}
	GasHourly              = Series{Suffix: "gas_hourly_usage", Name: "Gas Hourly Usage", Unit: types.UnitCCF}
	ElectricInterval       = Series{Suffix: "electric_interval_usage", Name: "Electric Interval Usage", Unit: types.UnitKWH}
	ElectricIntervalReturn = Series{Suffix: "electric_interval_return_usage", Name: "Electric Interval Return Usage", Unit: types.UnitKWH}

	allSeries = []Series{ElectricHourly, ElectricReturnHourly, GasHourly, ElectricInterval, ElectricIntervalReturn}
)

// StatisticID returns the id of the series for a service point.
func (s Series) StatisticID(servicePoint string) string {
	return types.StatisticSource + ":" + servicePoint + "_" + s.Suffix
}

// Metadata returns the metadata of the series for a service point.
func (s Series) Metadata(servicePoint string) types.StatisticMetadata {
	return types.StatisticMetadata{
		StatisticID: s.StatisticID(servicePoint),
		Name:        servicePoint + " " + s.Name,
		Source:      types.StatisticSource,
		Unit:        s.Unit,
		HasMean:     false,
		HasSum:      true,
	}
}

// StatisticIDs returns the ids of every series a service point can have.
func StatisticIDs(servicePoint string) []string {
	ids := make([]string, len(allSeries))
	for i, s := range allSeries {
		ids[i] = s.StatisticID(servicePoint)
	}
	return ids
}
