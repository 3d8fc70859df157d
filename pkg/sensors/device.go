package sensors

import (
	"strings"

	"github.com/natgridstats/natgridstats/pkg/coordinator"
	"github.com/natgridstats/natgridstats/pkg/types"
)

const (
	manufacturer     = "National Grid"
	configurationURL = "https://myaccount.nationalgrid.com"
	attribution      = "Data provided by National Grid"
)

// Device is the home automation device a meter's entities are grouped under.
type Device struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer"`
	Model            string   `json:"model,omitempty"`
	SerialNumber     string   `json:"serial_number,omitempty"`
	SWVersion        string   `json:"sw_version,omitempty"`
	HWVersion        string   `json:"hw_version,omitempty"`
	SuggestedArea    string   `json:"suggested_area,omitempty"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
}

// DeviceFor describes the meter at a service point. If the snapshot doesn't
// know the meter a bare device named after the service point is returned.
func DeviceFor(snap *coordinator.Snapshot, servicePoint string) Device {
	md, ok := snap.MeterData(servicePoint)
	if !ok {
		return Device{
			Identifiers:  []string{deviceID(servicePoint)},
			SerialNumber: servicePoint,
			Name:         "Meter " + servicePoint,
			Manufacturer: manufacturer,
		}
	}

	meter := md.Meter
	ba := md.BillingAccount
	fuel := meter.FuelType.Title()

	serial := meter.MeterNumber
	if serial == "" {
		serial = servicePoint
	}

	name := "Meter " + servicePoint
	if fuel != "" {
		name = fuel + " Meter"
	}

	var model string
	switch {
	case meter.HasAmiSmartMeter:
		model = "AMI Smart Meter"
	case meter.IsSmartMeter:
		model = "Smart Meter"
	default:
		model = "Standard Meter"
	}
	if fuel != "" {
		model = fuel + " " + model
	}

	d := Device{
		Identifiers:      []string{deviceID(servicePoint)},
		Name:             name,
		Manufacturer:     manufacturer,
		Model:            model,
		SerialNumber:     serial,
		ConfigurationURL: configurationURL,
	}

	if parts := strings.Split(ba.ServiceAddress.ServiceAddressCompressed, ","); len(parts) >= 2 {
		d.SuggestedArea = types.TitleCase(strings.TrimSpace(parts[0]))
	}

	var sw []string
	if meter.DeviceCode != "" {
		sw = append(sw, "Device: "+meter.DeviceCode)
	}
	if ba.RegionAbbreviation != "" {
		sw = append(sw, "Region: "+ba.RegionAbbreviation)
	}
	if ba.CustomerInfo.CustomerType != "" {
		sw = append(sw, "Type: "+types.TitleCase(ba.CustomerInfo.CustomerType))
	}
	d.SWVersion = strings.Join(sw, " | ")

	hw := []string{"SP: " + servicePoint}
	if meter.MeterPointNumber != "" {
		hw = append(hw, "MP: "+meter.MeterPointNumber)
	}
	if ba.PremiseNumber != "" {
		hw = append(hw, "Premise: "+ba.PremiseNumber)
	}
	d.HWVersion = strings.Join(hw, " | ")

	return d
}

func deviceID(servicePoint string) string {
	return types.StatisticSource + "_" + servicePoint
}
