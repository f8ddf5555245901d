package sensor

import (
	"context"
	"fmt"

	"github.com/vesaa/smartsensors/internal/telemetry"
)

// Channel reads one ADC input as a raw count.
type Channel interface {
	ReadRaw() (int, error)
}

// Calibration converts raw ADC counts to volts and bounds the readings that
// are accepted as valid.
type Calibration struct {
	ReferenceVoltage float64
	ResolutionBits   int
	MinVoltage       float64
	MaxVoltage       float64
}

// Voltage maps raw onto 0..ReferenceVoltage.
func (c Calibration) Voltage(raw int) float64 {
	full := float64(int(1)<<c.ResolutionBits - 1)
	if full <= 0 {
		return 0
	}
	return float64(raw) * c.ReferenceVoltage / full
}

// InRange reports whether v lies inside the validity window.
func (c Calibration) InRange(v float64) bool {
	return v >= c.MinVoltage && v <= c.MaxVoltage
}

// LEL converts the MR007 bridge voltage to percent of lower explosive limit.
func LEL(v, vref float64) float64 {
	if vref <= 0 {
		return 0
	}
	return v / vref * 100
}

// SO2Current converts the voltage across the ME4 load resistor to microamps.
func SO2Current(v, loadOhms float64) float64 {
	if loadOhms <= 0 {
		return 0
	}
	return v / loadOhms * 1e6
}

// SO2Concentration converts sensor current (uA) to ppm.
func SO2Concentration(currentUA, sensitivity float64) float64 {
	if sensitivity <= 0 {
		return 0
	}
	return currentUA / sensitivity
}

// DACPPM maps the ZE40 DAC voltage linearly from zero..fullScale onto
// 0..ppmRange. Anything below the zero offset reads as 0.
func DACPPM(v, zero, fullScale, ppmRange float64) float64 {
	if v < zero || fullScale <= zero {
		return 0
	}
	return (v - zero) * (ppmRange / (fullScale - zero))
}

// AnalogKind selects the conversion applied by an Analog sampler.
type AnalogKind uint8

const (
	AnalogMR007 AnalogKind = iota
	AnalogME4SO2
	AnalogZE40DAC
)

func (k AnalogKind) String() string {
	switch k {
	case AnalogMR007:
		return "mr007"
	case AnalogME4SO2:
		return "me4_so2"
	case AnalogZE40DAC:
		return "ze40_dac"
	}
	return "unknown"
}

// AnalogParams are the per-sensor conversion constants.
type AnalogParams struct {
	SO2LoadResistor     float64
	SO2Sensitivity      float64
	DACZeroVoltage      float64
	DACFullScaleVoltage float64
	DACPPMRange         float64
}

// Analog samples one ADC channel and publishes the converted reading. It is
// stateless between samples.
type Analog struct {
	Kind   AnalogKind
	ch     Channel
	cal    Calibration
	params AnalogParams
	pub    Publisher
}

func NewAnalog(kind AnalogKind, ch Channel, cal Calibration, params AnalogParams, pub Publisher) *Analog {
	return &Analog{Kind: kind, ch: ch, cal: cal, params: params, pub: pub}
}

// Sample performs one read, conversion and publish.
func (a *Analog) Sample(ctx context.Context) error {
	raw, err := a.ch.ReadRaw()
	if err != nil {
		return fmt.Errorf("%s: adc read: %w", a.Kind, err)
	}
	v := a.cal.Voltage(raw)
	valid := a.cal.InRange(v)

	switch a.Kind {
	case AnalogMR007:
		err = a.pub.PublishMR007(ctx, telemetry.MR007{
			Raw:     raw,
			Voltage: v,
			LEL:     LEL(v, a.cal.ReferenceVoltage),
			Valid:   valid,
		})
	case AnalogME4SO2:
		i := SO2Current(v, a.params.SO2LoadResistor)
		err = a.pub.PublishME4SO2(ctx, telemetry.ME4SO2{
			Raw:       raw,
			Voltage:   v,
			CurrentUA: i,
			SO2:       SO2Concentration(i, a.params.SO2Sensitivity),
			Valid:     valid,
		})
	case AnalogZE40DAC:
		err = a.pub.PublishZE40Analog(ctx, telemetry.ZE40Analog{
			Raw:     raw,
			Voltage: v,
			PPM:     DACPPM(v, a.params.DACZeroVoltage, a.params.DACFullScaleVoltage, a.params.DACPPMRange),
			Valid:   valid,
		})
	default:
		return fmt.Errorf("analog kind %d: %w", a.Kind, ErrUnknownFrame)
	}
	if err != nil {
		return fmt.Errorf("%s: publish: %w", a.Kind, err)
	}
	return nil
}
