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

// ZE40 frame types.
const (
	ze40Initiative = 0x17
	ze40ReadReply  = 0x86
)

var (
	ZE40InitiativeCommand = Command(0x01, 0x78, 0x40)
	ZE40QueryCommand      = Command(0x01, 0x78, 0x41)
	ReadCommand           = Command(0x01, 0x86)
)

// Mode is the ZE40 reporting mode as tracked on our side of the wire.
type Mode uint8

const (
	ModeInitiative Mode = iota
	ModeSwitchingToQuery
	ModeQuery
)

func (m Mode) String() string {
	switch m {
	case ModeInitiative:
		return "initiative"
	case ModeSwitchingToQuery:
		return "switching_to_query"
	case ModeQuery:
		return "query"
	}
	return "unknown"
}

type requestStep uint8

const (
	stepIdle requestStep = iota
	stepAwaitQuery
	stepAwaitReply
)

// ZE40Config holds the ZE40 timings. Zero values select the defaults.
type ZE40Config struct {
	FrameTimeout  time.Duration
	ModeSettle    time.Duration // wait after a mode or read command, default 100ms
	InitialWarmup time.Duration // from power-on, default none
	DailyWarmup   time.Duration // re-warm-up at the start of every period, default none
	DailyPeriod   time.Duration // default 24h
}

func (c ZE40Config) withDefaults() ZE40Config {
	if c.ModeSettle <= 0 {
		c.ModeSettle = 100 * time.Millisecond
	}
	if c.DailyPeriod <= 0 {
		c.DailyPeriod = 24 * time.Hour
	}
	if c.DailyWarmup < 0 {
		c.DailyWarmup = 0
	}
	return c
}

// ZE40 decodes the TVOC sensor stream and drives its mode switching.
// All methods except Stats must be called from the sampling loop.
type ZE40 struct {
	cfg    ZE40Config
	port   io.Writer
	pub    Publisher
	clock  clockwork.Clock
	log    *slog.Logger
	framer *Framer

	powerOn time.Time
	gated   bool

	mode   Mode
	step   requestStep
	stepAt time.Time
}

// NewZE40 returns a decoder whose warm-up clock starts now.
func NewZE40(port io.Writer, pub Publisher, clock clockwork.Clock, cfg ZE40Config, log *slog.Logger) *ZE40 {
	cfg = cfg.withDefaults()
	return &ZE40{
		cfg:     cfg,
		port:    port,
		pub:     pub,
		clock:   clock,
		log:     log.With("component", "ze40"),
		framer:  NewFramer(ZE40Protocol, cfg.FrameTimeout),
		powerOn: clock.Now(),
		mode:    ModeInitiative,
	}
}

// Start puts the sensor into initiative upload mode.
func (z *ZE40) Start() error {
	if _, err := z.port.Write(ZE40InitiativeCommand); err != nil {
		return fmt.Errorf("ze40: set initiative mode: %w", err)
	}
	z.mode = ModeInitiative
	z.log.Info("ZE40 initialized", "initial_warmup", z.cfg.InitialWarmup)
	return nil
}

func (z *ZE40) Mode() Mode { return z.mode }

func (z *ZE40) Stats() Stats { return z.framer.Stats() }

// Gated reports whether the sensor is inside a warm-up window at now.
func (z *ZE40) Gated(now time.Time) bool {
	elapsed := now.Sub(z.powerOn)
	if elapsed < z.cfg.InitialWarmup {
		return true
	}
	return z.cfg.DailyWarmup > 0 && elapsed%z.cfg.DailyPeriod < z.cfg.DailyWarmup
}

func (z *ZE40) updateGate(now time.Time) bool {
	gated := z.Gated(now)
	if gated != z.gated {
		if gated {
			z.log.Info("ZE40 warm-up started, readings suspended")
			z.framer.Reset()
		} else {
			z.log.Info("ZE40 warm-up complete")
		}
		z.gated = gated
	}
	return gated
}

// Feed consumes bytes read from the port. During warm-up they are drained
// and dropped.
func (z *ZE40) Feed(ctx context.Context, p []byte) {
	now := z.clock.Now()
	if z.updateGate(now) {
		z.framer.stats.gated.Add(uint64(len(p)))
		return
	}
	for _, b := range p {
		frame, ok := z.framer.Push(b, now)
		if !ok {
			continue
		}
		if err := z.handleFrame(ctx, frame); err != nil {
			z.log.Debug("ZE40 frame rejected", "error", err)
		}
	}
}

func (z *ZE40) handleFrame(ctx context.Context, frame []byte) error {
	ppb, err := ParseZE40(frame)
	if err != nil {
		z.framer.stats.unknown.Add(1)
		return err
	}
	reading := telemetry.ZE40{TVOCPPB: ppb, TVOCPPM: ppb / 1000, Valid: true}
	if err := z.pub.PublishZE40(ctx, reading); err != nil {
		z.framer.stats.publish.Add(1)
		z.log.Warn("ZE40 publish failed", "error", err)
		return nil
	}
	z.log.Debug("ZE40 reading", "tvoc_ppb", ppb)
	return nil
}

// ParseZE40 extracts the TVOC concentration in ppb from a validated frame.
func ParseZE40(frame []byte) (float64, error) {
	if len(frame) != ZE40Protocol.FrameLen {
		return 0, fmt.Errorf("ze40: frame length %d: %w", len(frame), ErrUnknownFrame)
	}
	switch frame[1] {
	case ze40Initiative:
		return float64(uint16(frame[4])<<8 | uint16(frame[5])), nil
	case ze40ReadReply:
		return float64(uint16(frame[6])<<8 | uint16(frame[7])), nil
	}
	return 0, fmt.Errorf("ze40: type 0x%02X: %w", frame[1], ErrUnknownFrame)
}

// RequestReading starts the query sequence: switch to query mode, send the
// read command once the mode has settled, then return to initiative mode.
// Tick advances the sequence.
func (z *ZE40) RequestReading() error {
	now := z.clock.Now()
	if z.updateGate(now) {
		return ErrWarmingUp
	}
	if z.step != stepIdle {
		return ErrBusy
	}
	if _, err := z.port.Write(ZE40QueryCommand); err != nil {
		return fmt.Errorf("ze40: set query mode: %w", err)
	}
	z.mode = ModeSwitchingToQuery
	z.step = stepAwaitQuery
	z.stepAt = now
	return nil
}

// Tick expires stale partial frames and advances the request sequence.
func (z *ZE40) Tick(now time.Time) {
	z.framer.Expire(now)
	z.updateGate(now)

	if z.step == stepIdle || now.Sub(z.stepAt) < z.cfg.ModeSettle {
		return
	}
	switch z.step {
	case stepAwaitQuery:
		z.mode = ModeQuery
		if _, err := z.port.Write(ReadCommand); err != nil {
			z.log.Warn("ZE40 read request failed", "error", err)
			z.restoreInitiative()
			return
		}
		z.step = stepAwaitReply
		z.stepAt = now
	case stepAwaitReply:
		z.restoreInitiative()
	}
}

func (z *ZE40) restoreInitiative() {
	if _, err := z.port.Write(ZE40InitiativeCommand); err != nil {
		z.log.Warn("ZE40 failed to restore initiative mode", "error", err)
	}
	z.mode = ModeInitiative
	z.step = stepIdle
}
