package types

import (
	"strings"
	"unicode"
)

// FuelType is the kind of service a meter measures.
type FuelType string

const (
	FuelTypeElectric FuelType = "Electric"
	FuelTypeGas      FuelType = "Gas"
)

// Title returns the fuel type in title case (e.g. "Electric").
func (f FuelType) Title() string {
	return TitleCase(string(f))
}

// TitleCase upper-cases the first letter of every run of letters and
// lower-cases the rest.
func TitleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				r = unicode.ToLower(r)
			} else {
				r = unicode.ToUpper(r)
			}
			prevLetter = true
		} else {
			prevLetter = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsGas reports whether the fuel type is gas.
func (f FuelType) IsGas() bool {
	return strings.EqualFold(string(f), string(FuelTypeGas))
}

// Meter is a physical meter at a service point.
type Meter struct {
	ServicePointNumber string   `json:"servicePointNumber"`
	MeterNumber        string   `json:"meterNumber"`
	MeterPointNumber   string   `json:"meterPointNumber"`
	FuelType           FuelType `json:"fuelType"`
	HasAmiSmartMeter   bool     `json:"hasAmiSmartMeter"`
	IsSmartMeter       bool     `json:"isSmartMeter"`
	DeviceCode         string   `json:"deviceCode,omitempty"`
}

// MeterNodes wraps the list of meters as the API returns it.
type MeterNodes struct {
	Nodes []Meter `json:"nodes"`
}

// ServiceAddress is the address where the service is delivered.
type ServiceAddress struct {
	ServiceAddressCompressed string `json:"serviceAddressCompressed"`
}

// CustomerInfo describes the account holder.
type CustomerInfo struct {
	CustomerType string `json:"customerType"`
}

// BillingAccount is a utility billing account and the meters on it.
type BillingAccount struct {
	BillingAccountID   string         `json:"billingAccountId"`
	Region             string         `json:"region"`
	RegionAbbreviation string         `json:"regionAbbreviation,omitempty"`
	PremiseNumber      string         `json:"premiseNumber"`
	CustomerNumber     string         `json:"customerNumber,omitempty"`
	CustomerInfo       CustomerInfo   `json:"customerInfo"`
	ServiceAddress     ServiceAddress `json:"serviceAddress"`
	Meter              MeterNodes     `json:"meter"`
}

// Meters returns the meters attached to the account.
func (b BillingAccount) Meters() []Meter {
	return b.Meter.Nodes
}

// AmiMeterIdentifier identifies an AMI smart meter for interval queries.
type AmiMeterIdentifier struct {
	MeterNumber        string
	PremiseNumber      string
	ServicePointNumber string
	MeterPointNumber   string
}
