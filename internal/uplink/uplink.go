// Package uplink delivers telemetry entries to the remote collector.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vesaa/smartsensors/internal/config"
	"github.com/vesaa/smartsensors/internal/telemetry"
)

// ErrUnauthorized means the collector rejected the agent token.
var ErrUnauthorized = errors.New("uplink: collector rejected token (401), check uplink.token")

// Uplink sends live entries and replays buffered ones. A nil error means the
// remote side accepted the data.
type Uplink interface {
	Send(ctx context.Context, p telemetry.Payload) error
	SendBatch(ctx context.Context, entries []json.RawMessage) error
	Close() error
}

// New builds the uplink selected by cfg.Mode.
func New(ctx context.Context, cfg config.UplinkConfig, log *slog.Logger) (Uplink, error) {
	switch cfg.Mode {
	case "http":
		return NewHTTP(cfg.URL, cfg.Token, cfg.Timeout), nil
	case "mqtt":
		c := NewMQTT(cfg, log)
		if err := c.Connect(ctx); err != nil {
			log.Warn("mqtt not reachable yet, entries will be buffered", "error", err)
		}
		return c, nil
	case "none", "":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("unknown uplink mode %q", cfg.Mode)
}

// ErrDisabled is returned by Nop so every entry stays buffered.
var ErrDisabled = errors.New("uplink: disabled")

// Nop is the uplink used when uploading is switched off.
type Nop struct{}

func (Nop) Send(context.Context, telemetry.Payload) error { return ErrDisabled }

func (Nop) SendBatch(context.Context, []json.RawMessage) error { return ErrDisabled }

func (Nop) Close() error { return nil }
