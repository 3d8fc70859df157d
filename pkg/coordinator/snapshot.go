package coordinator

import (
	"maps"
	"strings"
	"time"

	"github.com/natgridstats/natgridstats/pkg/types"
)

// MeterData is a meter along with the account it belongs to.
type MeterData struct {
	Meter          types.Meter          `json:"meter"`
	AccountID      string               `json:"accountID"`
	BillingAccount types.BillingAccount `json:"billingAccount"`
}

// Snapshot is the data gathered by one polling cycle. Usages and Costs are
// keyed by account id, Meters, AmiUsages and IntervalReads by service point.
// A snapshot is never modified after it is published.
type Snapshot struct {
	Accounts      map[string]types.BillingAccount    `json:"accounts"`
	Meters        map[string]MeterData               `json:"meters"`
	Usages        map[string][]types.EnergyUsage     `json:"usages"`
	Costs         map[string][]types.EnergyUsageCost `json:"costs"`
	AmiUsages     map[string][]types.AmiEnergyUsage  `json:"amiUsages"`
	IntervalReads map[string][]types.IntervalRead    `json:"intervalReads"`
	FirstRefresh  bool                               `json:"firstRefresh"`
	FetchedAt     time.Time                          `json:"fetchedAt"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Accounts:      make(map[string]types.BillingAccount),
		Meters:        make(map[string]MeterData),
		Usages:        make(map[string][]types.EnergyUsage),
		Costs:         make(map[string][]types.EnergyUsageCost),
		AmiUsages:     make(map[string][]types.AmiEnergyUsage),
		IntervalReads: make(map[string][]types.IntervalRead),
	}
}

// seed returns a new snapshot holding shallow copies of every map so entries
// that fail to refresh keep their previous value.
func (s *Snapshot) seed() *Snapshot {
	next := NewSnapshot()
	if s == nil {
		return next
	}
	maps.Copy(next.Accounts, s.Accounts)
	maps.Copy(next.Meters, s.Meters)
	maps.Copy(next.Usages, s.Usages)
	maps.Copy(next.Costs, s.Costs)
	maps.Copy(next.AmiUsages, s.AmiUsages)
	maps.Copy(next.IntervalReads, s.IntervalReads)
	return next
}

// UsageTypeFor maps a meter fuel type to the usage type of monthly usages.
func UsageTypeFor(fuel types.FuelType) string {
	switch {
	case strings.EqualFold(string(fuel), string(types.FuelTypeElectric)):
		return types.UsageTypeKWH
	case strings.EqualFold(string(fuel), string(types.FuelTypeGas)):
		return types.UsageTypeTherms
	default:
		return strings.ToUpper(string(fuel))
	}
}

func costMatches(c types.EnergyUsageCost, fuel types.FuelType) bool {
	return strings.EqualFold(c.FuelType, string(fuel))
}

// MeterData returns the meter for a service point.
func (s *Snapshot) MeterData(servicePoint string) (MeterData, bool) {
	if s == nil {
		return MeterData{}, false
	}
	md, ok := s.Meters[servicePoint]
	return md, ok
}

// AllUsages returns the usages of an account. An empty fuel returns all of
// them.
func (s *Snapshot) AllUsages(accountID string, fuel types.FuelType) []types.EnergyUsage {
	if s == nil {
		return nil
	}
	usages := s.Usages[accountID]
	if fuel == "" {
		return append([]types.EnergyUsage(nil), usages...)
	}
	usageType := UsageTypeFor(fuel)
	var filtered []types.EnergyUsage
	for _, u := range usages {
		if u.UsageType == usageType {
			filtered = append(filtered, u)
		}
	}
	return filtered
}

// LatestUsage returns the usage with the highest year-month.
func (s *Snapshot) LatestUsage(accountID string, fuel types.FuelType) (types.EnergyUsage, bool) {
	var latest types.EnergyUsage
	var found bool
	for _, u := range s.AllUsages(accountID, fuel) {
		if !found || u.UsageYearMonth > latest.UsageYearMonth {
			latest = u
			found = true
		}
	}
	return latest, found
}

// AllCosts returns the costs of an account. An empty fuel returns all of them.
func (s *Snapshot) AllCosts(accountID string, fuel types.FuelType) []types.EnergyUsageCost {
	if s == nil {
		return nil
	}
	costs := s.Costs[accountID]
	if fuel == "" {
		return append([]types.EnergyUsageCost(nil), costs...)
	}
	var filtered []types.EnergyUsageCost
	for _, c := range costs {
		if costMatches(c, fuel) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// LatestCost returns the cost with the highest month.
func (s *Snapshot) LatestCost(accountID string, fuel types.FuelType) (types.EnergyUsageCost, bool) {
	var latest types.EnergyUsageCost
	var found bool
	for _, c := range s.AllCosts(accountID, fuel) {
		if !found || c.Month > latest.Month {
			latest = c
			found = true
		}
	}
	return latest, found
}

// LatestAmiUsage returns the reading with the greatest date string.
func (s *Snapshot) LatestAmiUsage(servicePoint string) (types.AmiEnergyUsage, bool) {
	if s == nil {
		return types.AmiEnergyUsage{}, false
	}
	var latest types.AmiEnergyUsage
	var found bool
	for _, r := range s.AmiUsages[servicePoint] {
		if !found || r.Date > latest.Date {
			latest = r
			found = true
		}
	}
	return latest, found
}

// MeterData returns the meter for a service point from the current snapshot.
func (c *Coordinator) MeterData(servicePoint string) (MeterData, bool) {
	return c.Data().MeterData(servicePoint)
}

// LatestUsage returns the latest usage from the current snapshot.
func (c *Coordinator) LatestUsage(accountID string, fuel types.FuelType) (types.EnergyUsage, bool) {
	return c.Data().LatestUsage(accountID, fuel)
}

// LatestCost returns the latest cost from the current snapshot.
func (c *Coordinator) LatestCost(accountID string, fuel types.FuelType) (types.EnergyUsageCost, bool) {
	return c.Data().LatestCost(accountID, fuel)
}

// AllUsages returns the usages from the current snapshot.
func (c *Coordinator) AllUsages(accountID string, fuel types.FuelType) []types.EnergyUsage {
	return c.Data().AllUsages(accountID, fuel)
}

// AllCosts returns the costs from the current snapshot.
func (c *Coordinator) AllCosts(accountID string, fuel types.FuelType) []types.EnergyUsageCost {
	return c.Data().AllCosts(accountID, fuel)
}

// LatestAmiUsage returns the latest hourly reading from the current snapshot.
func (c *Coordinator) LatestAmiUsage(servicePoint string) (types.AmiEnergyUsage, bool) {
	return c.Data().LatestAmiUsage(servicePoint)
}
