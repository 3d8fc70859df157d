package types

// Usage types reported by the monthly usage endpoint.
const (
	UsageTypeKWH    = "TOTAL_KWH"
	UsageTypeTherms = "THERMS"
)

// EnergyUsage is a monthly usage aggregate for an account.
type EnergyUsage struct {
	UsageType      string  `json:"usageType"`
	UsageYearMonth int     `json:"usageYearMonth"`
	Usage          float64 `json:"usage"`
}

// EnergyUsageCost is a monthly billed cost for an account.
type EnergyUsageCost struct {
	FuelType  string  `json:"fuelType"`
	Month     int     `json:"month"`
	TotalCost float64 `json:"totalCost"`
}

// AmiEnergyUsage is a single hourly smart meter reading. Quantity is positive
// for consumption and negative for energy returned to the grid.
type AmiEnergyUsage struct {
	Date     string  `json:"date"`
	Quantity float64 `json:"quantity"`
}

// IntervalRead is a validated 15 minute electric reading.
type IntervalRead struct {
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime,omitempty"`
	Value     float64 `json:"value"`
}
