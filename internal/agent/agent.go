// Package agent runs the SmartSensors node daemon.
// It wires the sensor ports into the sampling loop, keeps the telemetry
// record current and forwards snapshots to the collector, buffering them on
// disk while the uplink is unreachable.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/vesaa/smartsensors/internal/buffer"
	"github.com/vesaa/smartsensors/internal/config"
	"github.com/vesaa/smartsensors/internal/hw"
	"github.com/vesaa/smartsensors/internal/sensor"
	"github.com/vesaa/smartsensors/internal/telemetry"
	"github.com/vesaa/smartsensors/internal/uplink"
)

// Node owns every long-lived component of the sensor node.
type Node struct {
	Store     *telemetry.Store
	Buffer    *buffer.Buffer // nil when buffering is unavailable
	Sampler   *Sampler
	Forwarder *Forwarder
	Reader    *hw.Reader
	Link      Link

	uplink uplink.Uplink
	ports  map[string]io.ReadWriteCloser
	adc    *hw.ADC
	clock  clockwork.Clock
	cfg    *config.Config
	log    *slog.Logger
}

// NewNode opens the hardware and storage described by cfg. A sensor whose
// port or ADC cannot be opened is logged and left out; the node still runs.
func NewNode(ctx context.Context, cfg *config.Config, clock clockwork.Clock, log *slog.Logger) (*Node, error) {
	n := &Node{
		Store:  telemetry.New(clock, cfg.LockTimeout, log),
		Reader: hw.NewReader(64, log),
		Link:   HostLink{},
		ports:  make(map[string]io.ReadWriteCloser),
		clock:  clock,
		cfg:    cfg,
		log:    log.With("component", "node"),
	}

	buf, err := buffer.Open(afero.NewOsFs(), cfg.Buffer.Path, buffer.Options{
		MaxEntries: cfg.Buffer.MaxEntries,
		MaxBytes:   cfg.Buffer.MaxBytes,
	})
	if err != nil {
		n.log.Warn("buffering unavailable", "path", cfg.Buffer.Path, "error", err)
	} else {
		n.Buffer = buf
	}

	up, err := uplink.New(ctx, cfg.Uplink, log)
	if err != nil {
		return nil, fmt.Errorf("uplink: %w", err)
	}
	n.uplink = up

	sensors := n.openSerialSensors()
	sensors = append(sensors, n.openAnalogSensors()...)
	if len(sensors) == 0 {
		n.log.Warn("no sensors available, serving network state only")
	}

	var queue Queue
	if n.Buffer != nil {
		queue = n.Buffer
	}
	n.Sampler = NewSampler(n.Store, sensors, n.Link, clock, log)
	n.Forwarder = NewForwarder(n.Store, queue, up, n.Link, cfg.DeviceName, cfg.Buffer.DrainBatch, log)
	return n, nil
}

func (n *Node) openSerialSensors() []sensor.Sensor {
	sc := n.cfg.Sensors
	var out []sensor.Sensor

	if sc.ZE40Enabled {
		port, err := hw.OpenSerial(sc.ZE40Port, sc.BaudRate, sc.TickInterval)
		if err != nil {
			n.log.Error("ZE40 disabled", "error", err)
		} else {
			z := sensor.NewZE40(port, n.Store, n.clock, sensor.ZE40Config{
				FrameTimeout:  sc.FrameTimeout,
				ModeSettle:    sc.ModeSettle,
				InitialWarmup: sc.ZE40InitialWarmup,
				DailyWarmup:   sc.ZE40DailyWarmup,
			}, n.log)
			if err := z.Start(); err != nil {
				n.log.Warn("ZE40 start", "error", err)
			}
			s := sensor.NewZE40Sensor(z, sc.ZE40RequestInterval)
			n.ports[s.Name] = port
			out = append(out, s)
		}
	}

	if sc.ZPHS01BEnabled {
		port, err := hw.OpenSerial(sc.ZPHS01BPort, sc.BaudRate, sc.TickInterval)
		if err != nil {
			n.log.Error("ZPHS01B disabled", "error", err)
		} else {
			z := sensor.NewZPHS01B(port, n.Store, n.clock, sc.ZPHS01BWarmup, sc.FrameTimeout, n.log)
			s := sensor.NewZPHS01BSensor(z, sc.ZPHS01BInterval)
			n.ports[s.Name] = port
			out = append(out, s)
			n.log.Info("ZPHS01B initialized", "warmup", sc.ZPHS01BWarmup)
		}
	}
	return out
}

func (n *Node) openAnalogSensors() []sensor.Sensor {
	sc := n.cfg.Sensors
	if !sc.ADCEnabled {
		return nil
	}
	adc, err := hw.OpenADC(sc.ADCBus, sc.ADCAddress, sc.ADCChip)
	if err != nil {
		n.log.Error("analog sensors disabled", "error", err)
		return nil
	}
	n.adc = adc

	cal := sensor.Calibration{
		ReferenceVoltage: sc.ReferenceVoltage,
		ResolutionBits:   sc.ResolutionBits,
		MinVoltage:       sc.MinVoltage,
		MaxVoltage:       sc.MaxVoltage,
	}
	params := sensor.AnalogParams{
		SO2LoadResistor:     sc.SO2LoadResistor,
		SO2Sensitivity:      sc.SO2Sensitivity,
		DACZeroVoltage:      sc.DACZeroVoltage,
		DACFullScaleVoltage: sc.DACFullScaleVoltage,
		DACPPMRange:         sc.DACPPMRange,
	}
	var out []sensor.Sensor
	for _, a := range []struct {
		kind     sensor.AnalogKind
		channel  int
		interval time.Duration
	}{
		{sensor.AnalogMR007, sc.MR007Channel, sc.MR007Interval},
		{sensor.AnalogME4SO2, sc.ME4SO2Channel, sc.ME4SO2Interval},
		{sensor.AnalogZE40DAC, sc.ZE40DACChannel, sc.DACInterval},
	} {
		ch, err := adc.Channel(a.channel, sc.ReferenceVoltage)
		if err != nil {
			n.log.Error("analog channel unavailable", "sensor", a.kind, "error", err)
			continue
		}
		out = append(out, sensor.NewAnalogSensor(sensor.NewAnalog(a.kind, ch, cal, params, n.Store), a.interval))
	}
	return out
}

// Run starts the port pumps, the sampling loop, the forwarder and any extra
// services (the dashboard) and blocks until ctx is cancelled or one of them
// fails.
func (n *Node) Run(ctx context.Context, services ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	for name, port := range n.ports {
		name, port := name, port
		g.Go(func() error { return n.Reader.Pump(ctx, name, port) })
	}
	g.Go(func() error {
		return n.Sampler.Run(ctx, n.Reader.Chunks(), n.cfg.Sensors.TickInterval, n.cfg.NetworkCheckInterval)
	})
	g.Go(func() error {
		return n.Forwarder.Run(ctx, n.clock, n.cfg.Uplink.Interval)
	})
	for _, svc := range services {
		svc := svc
		g.Go(func() error { return svc(ctx) })
	}

	n.log.Info("node running", "device", n.cfg.DeviceName, "uplink", n.cfg.Uplink.Mode, "buffering", n.Buffer != nil)
	return g.Wait()
}

// Close releases ports, the ADC and the uplink.
func (n *Node) Close() error {
	var errs []error
	for name, p := range n.ports {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	if n.adc != nil {
		errs = append(errs, n.adc.Close())
	}
	if n.uplink != nil {
		errs = append(errs, n.uplink.Close())
	}
	return errors.Join(errs...)
}
