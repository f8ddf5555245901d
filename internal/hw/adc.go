package hw

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ads1x15"
	"periph.io/x/host/v3"
)

var adsChannels = []ads1x15.Channel{ads1x15.Channel0, ads1x15.Channel1, ads1x15.Channel2, ads1x15.Channel3}

// ADC is an ADS1115/ADS1015 on an I2C bus.
type ADC struct {
	bus  i2c.BusCloser
	dev  *ads1x15.Dev
	pins []ads1x15.PinADC
}

// OpenADC initialises the host drivers and opens the converter. An empty
// busName selects the first available bus.
func OpenADC(busName string, addr uint16, chip string) (*ADC, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}

	opts := ads1x15.DefaultOpts
	if addr != 0 {
		opts.I2cAddress = addr
	}
	var dev *ads1x15.Dev
	switch chip {
	case "", "ads1115":
		dev, err = ads1x15.NewADS1115(bus, &opts)
	case "ads1015":
		dev, err = ads1x15.NewADS1015(bus, &opts)
	default:
		err = fmt.Errorf("unsupported adc chip %q", chip)
	}
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("adc: %w", err)
	}
	return &ADC{bus: bus, dev: dev}, nil
}

// Channel returns single-ended input n (0..3) with a full-scale range of
// maxVolts.
func (a *ADC) Channel(n int, maxVolts float64) (*ADCChannel, error) {
	if n < 0 || n >= len(adsChannels) {
		return nil, fmt.Errorf("adc channel %d out of range", n)
	}
	max := physic.ElectricPotential(maxVolts * float64(physic.Volt))
	pin, err := a.dev.PinForChannel(adsChannels[n], max, 128*physic.Hertz, ads1x15.BestQuality)
	if err != nil {
		return nil, fmt.Errorf("adc channel %d: %w", n, err)
	}
	a.pins = append(a.pins, pin)
	return &ADCChannel{pin: pin}, nil
}

func (a *ADC) Close() error {
	var errs []error
	for _, p := range a.pins {
		errs = append(errs, p.Halt())
	}
	errs = append(errs, a.dev.Halt(), a.bus.Close())
	return errors.Join(errs...)
}

// ADCChannel adapts one converter input to the sampler's raw-count reader.
type ADCChannel struct {
	pin ads1x15.PinADC
}

func (c *ADCChannel) ReadRaw() (int, error) {
	s, err := c.pin.Read()
	if err != nil {
		return 0, err
	}
	if s.Raw < 0 {
		return 0, nil
	}
	return int(s.Raw), nil
}
