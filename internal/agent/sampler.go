package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vesaa/smartsensors/internal/hw"
	"github.com/vesaa/smartsensors/internal/sensor"
	"github.com/vesaa/smartsensors/internal/telemetry"
)

// Sampler is the sampling context: the only goroutine that writes the
// telemetry record. It owns the decoders and drives them from port bytes and
// a fixed tick.
type Sampler struct {
	store   *telemetry.Store
	sensors []sensor.Sensor
	byPort  map[string]int
	link    Link
	clock   clockwork.Clock
	log     *slog.Logger
}

// NewSampler takes ownership of sensors. Serial sensors receive the chunks
// whose port name equals the sensor name.
func NewSampler(store *telemetry.Store, sensors []sensor.Sensor, link Link, clock clockwork.Clock, log *slog.Logger) *Sampler {
	s := &Sampler{
		store:   store,
		sensors: sensors,
		byPort:  make(map[string]int, len(sensors)),
		link:    link,
		clock:   clock,
		log:     log.With("component", "sampler"),
	}
	for i := range sensors {
		if sensors[i].Kind != sensor.KindAnalog {
			s.byPort[sensors[i].Name] = i
		}
	}
	return s
}

// HandleChunk routes bytes from a port to its decoder.
func (s *Sampler) HandleChunk(ctx context.Context, c hw.Chunk) {
	i, ok := s.byPort[c.Port]
	if !ok {
		s.log.Debug("bytes from unassigned port", "port", c.Port, "n", len(c.Data))
		return
	}
	s.sensors[i].Feed(ctx, c.Data)
}

// Tick runs every sensor's periodic work at now.
func (s *Sampler) Tick(ctx context.Context, now time.Time) {
	for i := range s.sensors {
		if err := s.sensors[i].Poll(ctx, now); err != nil {
			s.log.Warn("sensor poll failed", "sensor", s.sensors[i].Name, "error", err)
		}
	}
}

// CheckNetwork mirrors the link state into the record when it changed.
func (s *Sampler) CheckNetwork(ctx context.Context) {
	if s.link == nil {
		return
	}
	n := telemetry.Network{
		IPAddress: s.link.LocalIP(),
		LinkReady: s.link.LinkReady(),
		Mode:      s.link.Mode(),
	}
	changed, err := s.store.SetNetwork(ctx, n)
	if err != nil {
		s.log.Warn("network state not recorded", "error", err)
		return
	}
	if changed {
		s.log.Info("network state changed", "ip", n.IPAddress, "ready", n.LinkReady, "mode", n.Mode)
	}
}

// Stats returns decoder counters keyed by sensor name. Safe to call from any
// goroutine.
func (s *Sampler) Stats() map[string]sensor.Stats {
	out := make(map[string]sensor.Stats)
	for i := range s.sensors {
		if st, ok := s.sensors[i].Stats(); ok {
			out[s.sensors[i].Name] = st
		}
	}
	return out
}

// Run loops until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context, chunks <-chan hw.Chunk, tick, networkEvery time.Duration) error {
	ticker := s.clock.NewTicker(tick)
	defer ticker.Stop()
	netTicker := s.clock.NewTicker(networkEvery)
	defer netTicker.Stop()

	s.CheckNetwork(ctx)
	s.log.Info("sampling loop started", "sensors", len(s.sensors), "tick", tick)
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-chunks:
			s.HandleChunk(ctx, c)
		case now := <-ticker.Chan():
			s.Tick(ctx, now)
		case <-netTicker.Chan():
			s.CheckNetwork(ctx)
		}
	}
}
