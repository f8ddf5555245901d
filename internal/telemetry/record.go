// Package telemetry holds the node's single shared telemetry record and the
// bounded-wait lock that guards it.
//
// The sampling loop is the only writer. Any number of readers (dashboard,
// forwarder) take copies through Snapshot. Every sensor group carries its own
// validity flag and update timestamp; freshness is always judged per group.
package telemetry

import "time"

// Staleness windows: a group older than its window is reported as invalid.
const (
	ZE40Staleness       = 10 * time.Second
	ZE40AnalogStaleness = 5 * time.Second
	AirQualityStaleness = 10 * time.Second
	MR007Staleness      = 5 * time.Second
	ME4SO2Staleness     = 5 * time.Second
)

// UnknownIP is the sentinel address until the network collaborator reports one.
const UnknownIP = "0.0.0.0"

// ZE40 is the TVOC reading decoded from the ZE40 UART stream.
type ZE40 struct {
	TVOCPPB   float64
	TVOCPPM   float64
	Valid     bool
	UpdatedAt time.Duration // device uptime at commit
}

// ZE40Analog is the ZE40 DAC output sampled through the ADC.
type ZE40Analog struct {
	Raw       int
	Voltage   float64
	PPM       float64
	Valid     bool
	UpdatedAt time.Duration
}

// AirQuality is the ZPHS01B multi-gas / particulate reading.
type AirQuality struct {
	PM1         float64
	PM25        float64
	PM10        float64
	CO2         float64
	VOC         float64
	CH2O        float64
	CO          float64
	O3          float64
	NO2         float64
	Temperature float64
	Humidity    float64
	Valid       bool
	UpdatedAt   time.Duration
}

// MR007 is the combustible gas sensor reading.
type MR007 struct {
	Raw       int
	Voltage   float64
	LEL       float64 // percent of lower explosive limit
	Valid     bool
	UpdatedAt time.Duration
}

// ME4SO2 is the electrochemical SO2 sensor reading.
type ME4SO2 struct {
	Raw       int
	Voltage   float64
	CurrentUA float64
	SO2       float64
	Valid     bool
	UpdatedAt time.Duration
}

// Network mirrors what the network collaborator last reported.
type Network struct {
	IPAddress string
	LinkReady bool
	Mode      string // eth | wifi | ap | unknown
}

// Record is the most recent known reading from every sensor.
type Record struct {
	ZE40       ZE40
	ZE40Analog ZE40Analog
	AirQuality AirQuality
	MR007      MR007
	ME4SO2     ME4SO2
	Network    Network

	// LastUpdate is the uptime of the latest write by any group. It is
	// informational only and never used for staleness.
	LastUpdate time.Duration
}

func emptyRecord() Record {
	return Record{Network: Network{IPAddress: UnknownIP, Mode: "unknown"}}
}

// Fresh reports whether a group committed at updatedAt is still usable at now.
func Fresh(valid bool, updatedAt, now, window time.Duration) bool {
	return valid && now-updatedAt < window
}

// WithFreshness returns a copy whose Valid flags reflect each group's own
// staleness window evaluated at uptime now.
func (r Record) WithFreshness(now time.Duration) Record {
	r.ZE40.Valid = Fresh(r.ZE40.Valid, r.ZE40.UpdatedAt, now, ZE40Staleness)
	r.ZE40Analog.Valid = Fresh(r.ZE40Analog.Valid, r.ZE40Analog.UpdatedAt, now, ZE40AnalogStaleness)
	r.AirQuality.Valid = Fresh(r.AirQuality.Valid, r.AirQuality.UpdatedAt, now, AirQualityStaleness)
	r.MR007.Valid = Fresh(r.MR007.Valid, r.MR007.UpdatedAt, now, MR007Staleness)
	r.ME4SO2.Valid = Fresh(r.ME4SO2.Valid, r.ME4SO2.UpdatedAt, now, ME4SO2Staleness)
	return r
}

// AnyValid reports whether at least one sensor group is valid.
func (r Record) AnyValid() bool {
	return r.ZE40.Valid || r.ZE40Analog.Valid || r.AirQuality.Valid || r.MR007.Valid || r.ME4SO2.Valid
}
