package sensor

import (
	"context"
	"errors"
	"time"

	"github.com/vesaa/smartsensors/internal/telemetry"
)

// Publisher commits readings to the telemetry record. *telemetry.Store
// implements it.
type Publisher interface {
	PublishZE40(ctx context.Context, v telemetry.ZE40) error
	PublishZE40Analog(ctx context.Context, v telemetry.ZE40Analog) error
	PublishAirQuality(ctx context.Context, v telemetry.AirQuality) error
	PublishMR007(ctx context.Context, v telemetry.MR007) error
	PublishME4SO2(ctx context.Context, v telemetry.ME4SO2) error
}

// Kind tags the variant held by a Sensor.
type Kind uint8

const (
	KindZE40 Kind = iota
	KindZPHS01B
	KindAnalog
)

func (k Kind) String() string {
	switch k {
	case KindZE40:
		return "ze40"
	case KindZPHS01B:
		return "zphs01b"
	case KindAnalog:
		return "analog"
	}
	return "unknown"
}

// Sensor is one entry of the node's fixed sensor set. Exactly one of the
// variant pointers is set, as selected by Kind.
type Sensor struct {
	Kind     Kind
	Name     string
	Interval time.Duration // request or sample period

	ZE40    *ZE40
	ZPHS01B *ZPHS01B
	Analog  *Analog

	next time.Time
}

func NewZE40Sensor(z *ZE40, interval time.Duration) Sensor {
	return Sensor{Kind: KindZE40, Name: KindZE40.String(), Interval: interval, ZE40: z}
}

func NewZPHS01BSensor(z *ZPHS01B, interval time.Duration) Sensor {
	return Sensor{Kind: KindZPHS01B, Name: KindZPHS01B.String(), Interval: interval, ZPHS01B: z}
}

func NewAnalogSensor(a *Analog, interval time.Duration) Sensor {
	return Sensor{Kind: KindAnalog, Name: a.Kind.String(), Interval: interval, Analog: a}
}

// Feed hands port bytes to a serial sensor. Analog sensors ignore it.
func (s *Sensor) Feed(ctx context.Context, p []byte) {
	switch s.Kind {
	case KindZE40:
		s.ZE40.Feed(ctx, p)
	case KindZPHS01B:
		s.ZPHS01B.Feed(ctx, p)
	}
}

// Poll runs the periodic work due at now: frame expiry, the ZE40 request
// sequence, read requests and analog samples. Warm-up and busy refusals are
// not errors.
func (s *Sensor) Poll(ctx context.Context, now time.Time) error {
	switch s.Kind {
	case KindZE40:
		s.ZE40.Tick(now)
	case KindZPHS01B:
		s.ZPHS01B.Tick(now)
	}

	if s.Interval <= 0 || now.Before(s.next) {
		return nil
	}
	s.next = now.Add(s.Interval)

	var err error
	switch s.Kind {
	case KindZE40:
		err = s.ZE40.RequestReading()
	case KindZPHS01B:
		err = s.ZPHS01B.RequestReading()
	case KindAnalog:
		err = s.Analog.Sample(ctx)
	}
	if errors.Is(err, ErrWarmingUp) || errors.Is(err, ErrBusy) {
		return nil
	}
	return err
}

// Stats returns the decoder counters of a serial sensor.
func (s *Sensor) Stats() (Stats, bool) {
	switch s.Kind {
	case KindZE40:
		return s.ZE40.Stats(), true
	case KindZPHS01B:
		return s.ZPHS01B.Stats(), true
	}
	return Stats{}, false
}
