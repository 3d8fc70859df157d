package sensors

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/natgridstats/natgridstats/pkg/coordinator"
	"github.com/natgridstats/natgridstats/pkg/types"
)

const (
	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"

	// BaseTopic prefixes every state and availability topic.
	BaseTopic = types.StatisticSource

	// DefaultDiscoveryPrefix is the topic prefix home automation hosts
	// listen on for entity configs.
	DefaultDiscoveryPrefix = "homeassistant"

	payloadOn  = "ON"
	payloadOff = "OFF"
)

// AvailabilityTopic is where "online" or "offline" is published for every
// entity.
func AvailabilityTopic() string {
	return BaseTopic + "/availability"
}

// Config is the discovery payload of an entity.
type Config struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	Icon              string `json:"icon,omitempty"`
	PayloadOn         string `json:"payload_on,omitempty"`
	PayloadOff        string `json:"payload_off,omitempty"`
	Attribution       string `json:"attribution,omitempty"`
	Device            Device `json:"device"`
}

// Entity is one sensor of a meter along with its current state.
type Entity struct {
	Component    string
	ServicePoint string
	Key          string
	Config       Config
	// State is empty when the snapshot has no value for the entity.
	State string
}

// ConfigTopic returns the discovery topic of the entity.
func (e Entity) ConfigTopic(discoveryPrefix string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, e.Component, deviceID(e.ServicePoint), e.Key)
}

type description struct {
	key       string
	name      string
	component string
	icon      string
	applies   func(m types.Meter) bool
	config    func(c *Config, m types.Meter)
	value     func(snap *coordinator.Snapshot, sp string, md coordinator.MeterData) (float64, bool)
}

var descriptions = []description{
	{
		key:       "last_billed_usage",
		name:      "Last Billed Usage",
		component: ComponentSensor,
		config:    usageConfig("total"),
		value: func(snap *coordinator.Snapshot, sp string, md coordinator.MeterData) (float64, bool) {
			u, ok := snap.LatestUsage(md.AccountID, md.Meter.FuelType)
			if !ok {
				return 0, false
			}
			return convert(md.Meter, u.Usage), true
		},
	},
	{
		key:       "last_billing_cost",
		name:      "Last Billing Cost",
		component: ComponentSensor,
		icon:      "mdi:currency-usd",
		config: func(c *Config, m types.Meter) {
			c.UnitOfMeasurement = "USD"
			c.DeviceClass = "monetary"
			c.StateClass = "total"
		},
		value: func(snap *coordinator.Snapshot, sp string, md coordinator.MeterData) (float64, bool) {
			c, ok := snap.LatestCost(md.AccountID, md.Meter.FuelType)
			if !ok {
				return 0, false
			}
			return c.TotalCost, true
		},
	},
	{
		key:       "latest_hourly_reading",
		name:      "Latest Hourly Reading",
		component: ComponentSensor,
		applies: func(m types.Meter) bool {
			return m.HasAmiSmartMeter
		},
		config: usageConfig("measurement"),
		value: func(snap *coordinator.Snapshot, sp string, md coordinator.MeterData) (float64, bool) {
			r, ok := snap.LatestAmiUsage(sp)
			if !ok {
				return 0, false
			}
			return convert(md.Meter, r.Quantity), true
		},
	},
}

var smartMeter = description{
	key:       "smart_meter",
	name:      "Smart Meter",
	component: ComponentBinarySensor,
	icon:      "mdi:meter-electric",
}

// usageConfig sets the unit and device class of the meter's fuel.
func usageConfig(stateClass string) func(c *Config, m types.Meter) {
	return func(c *Config, m types.Meter) {
		c.StateClass = stateClass
		if m.FuelType.IsGas() {
			c.UnitOfMeasurement = types.UnitCCF
			c.DeviceClass = "gas"
			c.Icon = "mdi:fire"
			return
		}
		c.UnitOfMeasurement = types.UnitKWH
		c.DeviceClass = "energy"
		c.Icon = "mdi:flash"
	}
}

// convert turns a gas quantity in therms into CCF.
func convert(m types.Meter, v float64) float64 {
	if m.FuelType.IsGas() {
		return types.ThermsToCCF(v)
	}
	return v
}

// HasSmartMeter reports whether the meter has AMI smart meter capability.
func HasSmartMeter(md coordinator.MeterData) bool {
	return md.Meter.HasAmiSmartMeter
}

// Entities returns every entity of every meter in the snapshot ordered by
// service point.
func Entities(snap *coordinator.Snapshot) []Entity {
	if snap == nil {
		return nil
	}
	sps := make([]string, 0, len(snap.Meters))
	for sp := range snap.Meters {
		sps = append(sps, sp)
	}
	slices.Sort(sps)

	var entities []Entity
	for _, sp := range sps {
		md := snap.Meters[sp]
		device := DeviceFor(snap, sp)
		for _, d := range descriptions {
			if d.applies != nil && !d.applies(md.Meter) {
				continue
			}
			e := newEntity(d, sp, device)
			d.config(&e.Config, md.Meter)
			if v, ok := d.value(snap, sp, md); ok {
				e.State = strconv.FormatFloat(v, 'f', -1, 64)
			}
			entities = append(entities, e)
		}

		e := newEntity(smartMeter, sp, device)
		e.Config.PayloadOn = payloadOn
		e.Config.PayloadOff = payloadOff
		e.State = payloadOff
		if HasSmartMeter(md) {
			e.State = payloadOn
		}
		entities = append(entities, e)
	}
	return entities
}

func newEntity(d description, sp string, device Device) Entity {
	return Entity{
		Component:    d.component,
		ServicePoint: sp,
		Key:          d.key,
		Config: Config{
			Name:              d.name,
			UniqueID:          deviceID(sp) + "_" + d.key,
			StateTopic:        fmt.Sprintf("%s/%s/%s/state", BaseTopic, sp, d.key),
			AvailabilityTopic: AvailabilityTopic(),
			Icon:              d.icon,
			Attribution:       attribution,
			Device:            device,
		},
	}
}
