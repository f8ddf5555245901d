package sensor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vesaa/smartsensors/internal/telemetry"
)

// ZPHS01B decodes the multi-gas / particulate module. It only answers read
// requests, so there is no mode to manage.
type ZPHS01B struct {
	port   io.Writer
	pub    Publisher
	clock  clockwork.Clock
	log    *slog.Logger
	framer *Framer

	powerOn time.Time
	warmup  time.Duration
	warm    bool
}

// NewZPHS01B returns a decoder that stays silent for warmup after now.
func NewZPHS01B(port io.Writer, pub Publisher, clock clockwork.Clock, warmup, frameTimeout time.Duration, log *slog.Logger) *ZPHS01B {
	return &ZPHS01B{
		port:    port,
		pub:     pub,
		clock:   clock,
		log:     log.With("component", "zphs01b"),
		framer:  NewFramer(ZPHS01BProtocol, frameTimeout),
		powerOn: clock.Now(),
		warmup:  warmup,
	}
}

func (z *ZPHS01B) Stats() Stats { return z.framer.Stats() }

// WarmingUp reports whether the preheat window is still open at now.
func (z *ZPHS01B) WarmingUp(now time.Time) bool {
	if z.warm {
		return false
	}
	if now.Sub(z.powerOn) < z.warmup {
		return true
	}
	z.warm = true
	z.framer.Reset()
	z.log.Info("ZPHS01B warm-up complete")
	return false
}

// RequestReading writes the read command.
func (z *ZPHS01B) RequestReading() error {
	if z.WarmingUp(z.clock.Now()) {
		return ErrWarmingUp
	}
	if _, err := z.port.Write(ReadCommand); err != nil {
		return fmt.Errorf("zphs01b: read request: %w", err)
	}
	return nil
}

// Feed consumes bytes read from the port.
func (z *ZPHS01B) Feed(ctx context.Context, p []byte) {
	now := z.clock.Now()
	if z.WarmingUp(now) {
		z.framer.stats.gated.Add(uint64(len(p)))
		return
	}
	for _, b := range p {
		frame, ok := z.framer.Push(b, now)
		if !ok {
			continue
		}
		reading, err := ParseZPHS01B(frame)
		if err != nil {
			z.framer.stats.unknown.Add(1)
			z.log.Debug("ZPHS01B frame rejected", "error", err)
			continue
		}
		if err := z.pub.PublishAirQuality(ctx, reading); err != nil {
			z.framer.stats.publish.Add(1)
			z.log.Warn("ZPHS01B publish failed", "error", err)
			continue
		}
		z.log.Debug("ZPHS01B reading", "pm25", reading.PM25, "co2", reading.CO2)
	}
}

// Tick expires stale partial frames.
func (z *ZPHS01B) Tick(now time.Time) {
	z.framer.Expire(now)
}

func be16(hi, lo byte) float64 {
	return float64(uint16(hi)<<8 | uint16(lo))
}

// ParseZPHS01B decodes a validated 26-byte read reply.
func ParseZPHS01B(f []byte) (telemetry.AirQuality, error) {
	if len(f) != ZPHS01BProtocol.FrameLen {
		return telemetry.AirQuality{}, fmt.Errorf("zphs01b: frame length %d: %w", len(f), ErrUnknownFrame)
	}
	if f[1] != ze40ReadReply {
		return telemetry.AirQuality{}, fmt.Errorf("zphs01b: type 0x%02X: %w", f[1], ErrUnknownFrame)
	}
	return telemetry.AirQuality{
		PM1:         be16(f[2], f[3]),
		PM25:        be16(f[4], f[5]),
		PM10:        be16(f[6], f[7]),
		CO2:         be16(f[8], f[9]),
		VOC:         float64(f[10]),
		Temperature: (be16(f[11], f[12]) - 500) * 0.1,
		Humidity:    be16(f[13], f[14]),
		CH2O:        be16(f[15], f[16]),
		CO:          be16(f[17], f[18]) * 0.1,
		O3:          be16(f[19], f[20]) * 0.01,
		NO2:         be16(f[21], f[22]) * 0.01,
		Valid:       true,
	}, nil
}
